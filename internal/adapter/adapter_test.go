package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

const listingHTML = `<html><body><ul>
<li class="story"><a href="/news/1#top">One</a><span class="when">12 March 2024</span></li>
<li class="story"><a href="/news/2">Two</a><span class="when">13 March 2024</span></li>
<li class="story"><a href="/news/1">One again</a></li>
<li class="story"><a href="/about">About</a></li>
</ul></body></html>`

const detailHTML = `<html><body>
<h1 class="headline">Budget passed</h1>
<div class="body"><p>First.</p><p>Second.</p></div>
<meta property="og:url" content="">
</body></html>`

const feedXML = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
<item><title>Rates held</title><link>https://feed.example/a</link>
<description>Central bank holds.</description><pubDate>Tue, 05 Mar 2024 10:00:00 GMT</pubDate>
<category>economy</category></item>
<item><title>No link</title><guid isPermaLink="false">tag:1</guid></item>
<item><title>Guid link</title><guid>https://feed.example/b</guid></item>
</channel></rss>`

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/list":
			w.Header().Set("Content-Type", "text/html")
			if r.URL.Query().Get("page") == "9" {
				_, _ = io.WriteString(w, "<html><body><ul></ul></body></html>")
				return
			}
			_, _ = io.WriteString(w, listingHTML)
		case "/ajax":
			_ = r.ParseForm()
			w.Header().Set("Content-Type", "application/json")
			if r.Form.Get("offset") == "bad" {
				_, _ = io.WriteString(w, `[1,2]`)
				return
			}
			fmt.Fprintf(w, `{"data":"<li><a href=\"/news/%s-%s\">x</a></li>"}`,
				r.Form.Get("tid"), r.Form.Get("offset"))
		case "/shell":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, `<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`)
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{}`)
		case "/feed":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = io.WriteString(w, feedXML)
		case "/news/1", "/news/2":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, detailHTML)
		case "/pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = io.WriteString(w, "%PDF")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testDeps() Deps {
	return Deps{Clock: fixedClock{}, Logger: zap.NewNop()}
}

func TestHTMLAdapterListing(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	a, err := NewHTML(Config{
		ID:         "dawn",
		Categories: []Category{{ID: "business", URL: srv.URL + "/list?page={offset}"}},
		Listing: Listing{
			ItemSelector: "li.story",
			LinkContains: "/news/",
			Hints:        map[string]string{"date": "span.when"},
		},
	}, testDeps())
	require.NoError(t, err)

	page, err := a.FetchListing(context.Background(), crawler.CrawlCursor{SourceID: "dawn", CategoryID: "business", Offset: 1})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Candidates, 2)
	require.Equal(t, srv.URL+"/news/1", page.Candidates[0].URL)
	require.Equal(t, "12 March 2024", page.Candidates[0].Hints["date"])
	require.Equal(t, "business", page.Candidates[0].CategoryID)
	require.Equal(t, fixedClock{}.Now(), page.Candidates[0].DiscoveredAt)

	page, err = a.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "business", Offset: 9})
	require.NoError(t, err)
	require.Empty(t, page.Candidates)

	_, err = a.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "sports"})
	require.Equal(t, crawler.KindMalformedListing, crawler.KindOf(err))
}

func TestHTMLAdapterPageSizeEndsPaging(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	a, err := NewHTML(Config{
		ID:         "s",
		Categories: []Category{{ID: "c", URL: srv.URL + "/list"}},
		Listing:    Listing{ItemSelector: "li.story", PageSize: 10},
	}, testDeps())
	require.NoError(t, err)

	page, err := a.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "c"})
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Candidates, 3)
}

func TestHTMLAdapterJSONListing(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	a, err := NewHTML(Config{
		ID: "express",
		Categories: []Category{
			{ID: "economy", Vars: map[string]string{"tid": "7"}},
		},
		Listing: Listing{
			Request: Request{
				URL:  srv.URL + "/ajax",
				Form: map[string]string{"tid": "{tid}", "offset": "{offset}"},
			},
			Format: FormatJSONHTML,
		},
	}, testDeps())
	require.NoError(t, err)

	page, err := a.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "economy", Offset: 40})
	require.NoError(t, err)
	require.Len(t, page.Candidates, 1)
	require.Equal(t, srv.URL+"/news/7-40", page.Candidates[0].URL)
}

func TestHTMLAdapterMalformedListings(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	jsonList, err := NewHTML(Config{
		ID:         "j",
		Categories: []Category{{ID: "c", URL: srv.URL + "/json"}},
		Listing:    Listing{Format: FormatJSONHTML},
	}, testDeps())
	require.NoError(t, err)
	_, err = jsonList.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "c"})
	require.Equal(t, crawler.KindMalformedListing, crawler.KindOf(err))

	htmlList, err := NewHTML(Config{
		ID:         "h",
		Categories: []Category{{ID: "c", URL: srv.URL + "/json"}},
	}, testDeps())
	require.NoError(t, err)
	_, err = htmlList.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "c"})
	require.Equal(t, crawler.KindMalformedListing, crawler.KindOf(err))

	shell, err := NewHTML(Config{
		ID:         "spa",
		Categories: []Category{{ID: "c", URL: srv.URL + "/shell"}},
	}, testDeps())
	require.NoError(t, err)
	_, err = shell.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "c"})
	require.Equal(t, crawler.KindMalformedListing, crawler.KindOf(err))
	require.Contains(t, err.Error(), "javascript")

	missing, err := NewHTML(Config{
		ID:         "m",
		Categories: []Category{{ID: "c", URL: srv.URL + "/gone"}},
	}, testDeps())
	require.NoError(t, err)
	_, err = missing.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "c"})
	require.Equal(t, crawler.KindPermanentFetch, crawler.KindOf(err))
}

func TestHTMLAdapterDetail(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	a, err := NewHTML(Config{
		ID:         "dawn",
		Categories: []Category{{ID: "c", URL: srv.URL + "/list"}},
		Detail: Detail{Fields: map[string]string{
			"title":   "h1.headline",
			"content": "div.body p",
			"date":    "time@datetime || span.date",
		}},
	}, testDeps())
	require.NoError(t, err)

	fields, err := a.FetchDetail(context.Background(), crawler.CandidateLink{
		URL:   srv.URL + "/news/1",
		Hints: map[string]string{"date": "12 March 2024", "title": "listing title"},
	})
	require.NoError(t, err)
	require.Equal(t, "Budget passed", fields["title"])
	require.Equal(t, "First. Second.", fields["content"])
	require.Equal(t, "12 March 2024", fields["date"])
	require.Equal(t, srv.URL+"/news/1", fields["url"])

	_, err = a.FetchDetail(context.Background(), crawler.CandidateLink{URL: srv.URL + "/pdf"})
	require.Equal(t, crawler.KindPermanentFetch, crawler.KindOf(err))
}

func TestFeedAdapter(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	a, err := NewFeed(Config{
		ID:         "wire",
		Kind:       KindFeed,
		Categories: []Category{{ID: "all", URL: srv.URL + "/feed"}},
	}, testDeps())
	require.NoError(t, err)

	page, err := a.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "all"})
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Candidates, 2)
	first := page.Candidates[0]
	require.Equal(t, "https://feed.example/a", first.URL)
	require.Equal(t, "2024-03-05", first.Hints["date"])
	require.Equal(t, "economy", first.Hints["category"])
	require.Equal(t, "https://feed.example/b", page.Candidates[1].URL)

	fields, err := a.FetchDetail(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, "Rates held", fields["title"])
	require.Equal(t, "Central bank holds.", fields["content"])
	require.Equal(t, first.URL, fields["url"])
	require.NotContains(t, first.Hints, "url")

	bad, err := NewFeed(Config{
		ID:         "bad",
		Categories: []Category{{ID: "all", URL: srv.URL + "/list"}},
	}, testDeps())
	require.NoError(t, err)
	_, err = bad.FetchListing(context.Background(), crawler.CrawlCursor{CategoryID: "all"})
	require.Equal(t, crawler.KindMalformedListing, crawler.KindOf(err))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.Equal(t, []string{KindFeed, KindHTML}, r.Kinds())

	a, err := r.Build(Config{ID: "x", Categories: []Category{{ID: "c", URL: "https://x.example"}}}, testDeps())
	require.NoError(t, err)
	require.Equal(t, "x", a.ID())

	_, err = r.Build(Config{ID: "x", Kind: "spider"}, testDeps())
	require.True(t, crawler.IsFatal(err))

	_, err = r.Build(Config{ID: "", Categories: []Category{{ID: "c", URL: "https://x.example"}}}, testDeps())
	require.True(t, crawler.IsFatal(err))

	r.Register("static", func(cfg Config, _ Deps) (crawler.SourceAdapter, error) {
		return staticAdapter(cfg.ID), nil
	})
	a, err = r.Build(Config{ID: "s", Kind: "static"}, testDeps())
	require.NoError(t, err)
	require.Equal(t, "s", a.ID())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{
		ID:         "s",
		Categories: []Category{{ID: "a"}, {ID: "a", URL: "https://x"}},
		Listing:    Listing{LinkPattern: "("},
	}.WithDefaults()
	err := cfg.Validate()
	require.True(t, crawler.IsFatal(err))
	require.Contains(t, err.Error(), "duplicate id")
	require.Contains(t, err.Error(), "link_pattern")
	require.Contains(t, err.Error(), "no url")

	single := Config{ID: "s", Listing: Listing{Request: Request{URL: "https://x/{offset}"}}}.WithDefaults()
	require.NoError(t, single.Validate())
	require.Equal(t, []string{DefaultCategory}, single.CategoryIDs())
}

func TestExtract(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div><a class="x" href="/a" data-id="7">A</a><span></span><time datetime="2024-03-05">5 Mar</time></div>`)
	require.Equal(t, "/a", extract(doc.Selection, "a.x@href"))
	require.Equal(t, "2024-03-05", extract(doc.Selection, "span || time@datetime"))
	require.Equal(t, "7", extract(doc.Find("a"), "@title || @data-id"))
	require.Empty(t, extract(doc.Selection, "span"))
	require.Equal(t, "7", extract(doc.Find("a"), "@data-id"))
	require.Equal(t, "/a", extract(doc.Selection, "a[href^='/']@href"))
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) }

type staticAdapter string

func (s staticAdapter) ID() string { return string(s) }

func (staticAdapter) FetchListing(context.Context, crawler.CrawlCursor) (crawler.ListingPage, error) {
	return crawler.ListingPage{}, nil
}

func (staticAdapter) FetchDetail(context.Context, crawler.CandidateLink) (map[string]string, error) {
	return map[string]string{}, nil
}

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}
