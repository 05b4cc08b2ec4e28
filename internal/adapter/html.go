package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/incremental-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/incremental-crawler/internal/headless/detector"
)

// HTMLAdapter reads HTML listings, or HTML wrapped in a JSON envelope, and
// extracts detail fields with CSS selectors.
type HTMLAdapter struct {
	cfg     Config
	deps    Deps
	pattern *regexp.Regexp
	shell   *detector.Heuristic
}

// NewHTML validates cfg and builds an HTMLAdapter.
func NewHTML(cfg Config, deps Deps) (*HTMLAdapter, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &HTMLAdapter{cfg: cfg, deps: deps.withDefaults(cfg), shell: detector.NewHeuristic(0)}
	if cfg.Listing.LinkPattern != "" {
		a.pattern = regexp.MustCompile(cfg.Listing.LinkPattern)
	}
	return a, nil
}

// ID returns the source ID.
func (a *HTMLAdapter) ID() string {
	return a.cfg.ID
}

// FetchListing fetches the page at cursor and returns its candidate links.
func (a *HTMLAdapter) FetchListing(ctx context.Context, cursor crawler.CrawlCursor) (crawler.ListingPage, error) {
	req, err := listingRequest(a.cfg, cursor)
	if err != nil {
		return crawler.ListingPage{}, err
	}
	resp, err := a.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return crawler.ListingPage{}, fmt.Errorf("fetch listing: %w", err)
	}
	doc, err := a.listingDocument(resp)
	if err != nil {
		return crawler.ListingPage{}, err
	}
	page := a.candidates(doc, resp.URL, cursor)
	if len(page.Candidates) == 0 && a.cfg.Listing.Format == FormatHTML {
		// An empty shell would otherwise read as the end of the category.
		if shell, reason := a.shell.NeedsRendering(resp.Body); shell {
			return crawler.ListingPage{}, crawler.NewError(crawler.KindMalformedListing, "listing", resp.URL,
				fmt.Errorf("page needs javascript rendering (%s)", reason))
		}
	}
	a.deps.Logger.Debug("listing parsed",
		zap.String("category", cursor.CategoryID),
		zap.Int("offset", cursor.Offset),
		zap.Int("candidates", len(page.Candidates)),
		zap.Bool("has_more", page.HasMore),
	)
	return page, nil
}

// FetchDetail fetches link and extracts the configured fields, falling back
// to listing hints for fields the page lacks.
func (a *HTMLAdapter) FetchDetail(ctx context.Context, link crawler.CandidateLink) (map[string]string, error) {
	return fetchDetail(ctx, a.deps.Fetcher, a.cfg.Detail, link)
}

func (a *HTMLAdapter) listingDocument(resp collyfetcher.Response) (*goquery.Document, error) {
	body := resp.Body
	switch a.cfg.Listing.Format {
	case FormatJSONHTML:
		var envelope map[string]any
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, crawler.NewError(crawler.KindMalformedListing, "decode listing", resp.URL, err)
		}
		fragment, ok := envelope[a.cfg.Listing.JSONField].(string)
		if !ok {
			return nil, crawler.Errorf(crawler.KindMalformedListing, "decode listing",
				"%s: field %q missing or not a string", resp.URL, a.cfg.Listing.JSONField)
		}
		body = []byte(fragment)
	default:
		if !isHTML(resp.ContentType()) {
			return nil, crawler.Errorf(crawler.KindMalformedListing, "decode listing",
				"%s: unexpected content type %q", resp.URL, resp.ContentType())
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, crawler.NewError(crawler.KindMalformedListing, "parse listing", resp.URL, err)
	}
	return doc, nil
}

func (a *HTMLAdapter) candidates(doc *goquery.Document, base string, cursor crawler.CrawlCursor) crawler.ListingPage {
	lc := a.cfg.Listing
	var items *goquery.Selection
	if lc.ItemSelector != "" {
		items = doc.Find(lc.ItemSelector)
	} else {
		items = doc.Find(lc.LinkSelector)
	}
	now := a.deps.Clock.Now()

	links := make([]crawler.CandidateLink, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		anchor := item
		if lc.ItemSelector != "" {
			anchor = item.Find(lc.LinkSelector).First()
		}
		href, ok := anchor.Attr(lc.LinkAttr)
		if !ok {
			return
		}
		target, ok := a.accept(base, href)
		if !ok {
			return
		}
		link := crawler.CandidateLink{
			SourceID:     a.cfg.ID,
			CategoryID:   cursor.CategoryID,
			URL:          target,
			DiscoveredAt: now,
		}
		if len(lc.Hints) > 0 {
			link.Hints = extractFields(item, lc.Hints)
		}
		links = append(links, link)
	})

	hasMore := true
	if lc.PageSize > 0 && items.Length() < lc.PageSize {
		hasMore = false
	}
	if lc.NextSelector != "" && doc.Find(lc.NextSelector).Length() == 0 {
		hasMore = false
	}
	return crawler.ListingPage{
		Candidates: lo.UniqBy(links, func(l crawler.CandidateLink) string { return l.URL }),
		HasMore:    hasMore,
	}
}

func (a *HTMLAdapter) accept(base, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	abs := crawler.ResolveURL(base, href)
	u, err := url.Parse(abs)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	u.Fragment = ""
	abs = u.String()
	if a.cfg.Listing.LinkContains != "" && !strings.Contains(abs, a.cfg.Listing.LinkContains) {
		return "", false
	}
	if a.pattern != nil && !a.pattern.MatchString(abs) {
		return "", false
	}
	return abs, true
}

// listingRequest expands the listing template for cursor.
func listingRequest(cfg Config, cursor crawler.CrawlCursor) (collyfetcher.Request, error) {
	cat, ok := cfg.category(cursor.CategoryID)
	if !ok {
		return collyfetcher.Request{}, crawler.Errorf(crawler.KindMalformedListing, "listing request",
			"unknown category %q", cursor.CategoryID)
	}
	pairs := []string{
		"{offset}", strconv.Itoa(cursor.Offset),
		"{category}", cat.ID,
	}
	for k, v := range cat.Vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	rc := cfg.Listing.Request
	target := rc.URL
	if target == "" {
		target = cat.URL
	}
	req := collyfetcher.Request{
		Method:  rc.Method,
		URL:     r.Replace(target),
		Headers: make(http.Header, len(rc.Headers)+1),
	}
	for k, v := range rc.Headers {
		req.Headers.Set(k, r.Replace(v))
	}
	if len(rc.Form) > 0 {
		form := make(url.Values, len(rc.Form))
		for k, v := range rc.Form {
			form.Set(k, r.Replace(v))
		}
		req.Body = []byte(form.Encode())
		if req.Headers.Get("Content-Type") == "" {
			req.Headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	return req, nil
}

// fetchDetail GETs the link and applies detail selectors.
func fetchDetail(
	ctx context.Context,
	f Fetcher,
	detail Detail,
	link crawler.CandidateLink,
) (map[string]string, error) {
	resp, err := f.Fetch(ctx, collyfetcher.Request{Method: http.MethodGet, URL: link.URL})
	if err != nil {
		return nil, fmt.Errorf("fetch detail: %w", err)
	}
	if !isHTML(resp.ContentType()) {
		return nil, crawler.Errorf(crawler.KindPermanentFetch, "fetch detail",
			"%s: unexpected content type %q", link.URL, resp.ContentType())
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, crawler.NewError(crawler.KindPermanentFetch, "parse detail", link.URL, err)
	}
	fields := mergeHints(extractFields(doc.Selection, detail.Fields), link.Hints)
	if fields["url"] == "" {
		fields["url"] = link.URL
	}
	return fields, nil
}

// isHTML accepts a missing content type, since some servers omit it.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}
