package adapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// FeedAdapter lists candidates from an RSS or Atom feed. Feed fields become
// listing hints; detail selectors, when configured, enrich them from the
// article page.
type FeedAdapter struct {
	cfg  Config
	deps Deps
}

// NewFeed validates cfg and builds a FeedAdapter.
func NewFeed(cfg Config, deps Deps) (*FeedAdapter, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FeedAdapter{cfg: cfg, deps: deps.withDefaults(cfg)}, nil
}

// ID returns the source ID.
func (a *FeedAdapter) ID() string {
	return a.cfg.ID
}

// FetchListing fetches and parses the feed for cursor's category. Feeds
// without an {offset} placeholder are a single page.
func (a *FeedAdapter) FetchListing(ctx context.Context, cursor crawler.CrawlCursor) (crawler.ListingPage, error) {
	req, err := listingRequest(a.cfg, cursor)
	if err != nil {
		return crawler.ListingPage{}, err
	}
	resp, err := a.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return crawler.ListingPage{}, fmt.Errorf("fetch feed: %w", err)
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.ListingPage{}, crawler.NewError(crawler.KindMalformedListing, "parse feed", resp.URL, err)
	}

	now := a.deps.Clock.Now()
	links := make([]crawler.CandidateLink, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := itemLink(item)
		if link == "" {
			continue
		}
		links = append(links, crawler.CandidateLink{
			SourceID:     a.cfg.ID,
			CategoryID:   cursor.CategoryID,
			URL:          crawler.ResolveURL(resp.URL, link),
			Hints:        itemHints(item),
			DiscoveredAt: now,
		})
	}
	paged := strings.Contains(a.listingTemplate(cursor.CategoryID), "{offset}")
	return crawler.ListingPage{
		Candidates: lo.UniqBy(links, func(l crawler.CandidateLink) string { return l.URL }),
		HasMore:    paged && len(links) > 0,
	}, nil
}

// FetchDetail returns the feed hints, enriched from the article page when
// detail selectors are configured.
func (a *FeedAdapter) FetchDetail(ctx context.Context, link crawler.CandidateLink) (map[string]string, error) {
	if len(a.cfg.Detail.Fields) == 0 {
		fields := lo.Assign(link.Hints)
		fields["url"] = link.URL
		return fields, nil
	}
	return fetchDetail(ctx, a.deps.Fetcher, a.cfg.Detail, link)
}

func (a *FeedAdapter) listingTemplate(categoryID string) string {
	if a.cfg.Listing.Request.URL != "" {
		return a.cfg.Listing.Request.URL
	}
	cat, _ := a.cfg.category(categoryID)
	return cat.URL
}

// itemLink prefers the explicit link, falling back to a GUID that looks
// like a URL.
func itemLink(item *gofeed.Item) string {
	if item.Link != "" {
		return strings.TrimSpace(item.Link)
	}
	if strings.HasPrefix(item.GUID, "http") {
		return item.GUID
	}
	return ""
}

func itemHints(item *gofeed.Item) map[string]string {
	hints := map[string]string{"title": item.Title}
	content := item.Content
	if content == "" {
		content = item.Description
	}
	if content != "" {
		hints["content"] = content
	}
	switch {
	case item.PublishedParsed != nil:
		hints["date"] = item.PublishedParsed.UTC().Format(time.DateOnly)
	case item.UpdatedParsed != nil:
		hints["date"] = item.UpdatedParsed.UTC().Format(time.DateOnly)
	case item.Published != "":
		hints["date"] = item.Published
	}
	if len(item.Categories) > 0 {
		hints["category"] = item.Categories[0]
	}
	return lo.OmitByValues(hints, []string{""})
}
