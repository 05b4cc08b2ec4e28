package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// Listing payload formats.
const (
	FormatHTML     = "html"
	FormatJSONHTML = "json_html"
)

// DefaultCategory names the single category of a source that declares none.
const DefaultCategory = "default"


// Config describes one source's reference adapter.
type Config struct {
	ID         string        `mapstructure:"id"`
	Kind       string        `mapstructure:"kind"`
	Categories []Category    `mapstructure:"categories"`
	Listing    Listing       `mapstructure:"listing"`
	Detail     Detail        `mapstructure:"detail"`
	UserAgent  string        `mapstructure:"user_agent"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Category is one sub-feed of a source. Vars are substituted into the
// listing request template as {name}.
type Category struct {
	ID   string            `mapstructure:"id"`
	URL  string            `mapstructure:"url"`
	Vars map[string]string `mapstructure:"vars"`
}

// Request templates a listing request. {offset} and {category} are always
// available; an empty URL falls back to the category URL.
type Request struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Form    map[string]string `mapstructure:"form"`
	Headers map[string]string `mapstructure:"headers"`
}

// Listing controls how candidates are found on a listing page.
type Listing struct {
	Request      Request `mapstructure:"request"`
	Format       string  `mapstructure:"format"`
	JSONField    string  `mapstructure:"json_field"`
	ItemSelector string  `mapstructure:"item_selector"`
	LinkSelector string  `mapstructure:"link_selector"`
	LinkAttr     string  `mapstructure:"link_attr"`
	LinkContains string  `mapstructure:"link_contains"`
	LinkPattern  string  `mapstructure:"link_pattern"`
	// Hints are selectors evaluated inside each item and handed to the
	// detail step.
	Hints map[string]string `mapstructure:"hints"`
	// PageSize, when set, marks a page with fewer links as the last one.
	PageSize     int    `mapstructure:"page_size"`
	NextSelector string `mapstructure:"next_selector"`
}

// Detail maps field names to selectors on the detail page.
type Detail struct {
	Fields map[string]string `mapstructure:"fields"`
}

// WithDefaults returns c with unset listing options and categories filled.
func (c Config) WithDefaults() Config {
	if c.Listing.Format == "" {
		c.Listing.Format = FormatHTML
	}
	if c.Listing.JSONField == "" {
		c.Listing.JSONField = "data"
	}
	if c.Listing.LinkSelector == "" {
		c.Listing.LinkSelector = "a[href]"
	}
	if c.Listing.LinkAttr == "" {
		c.Listing.LinkAttr = "href"
	}
	if c.Listing.Request.Method == "" {
		c.Listing.Request.Method = http.MethodGet
		if len(c.Listing.Request.Form) > 0 {
			c.Listing.Request.Method = http.MethodPost
		}
	}
	c.Listing.Request.Method = strings.ToUpper(c.Listing.Request.Method)
	if len(c.Categories) == 0 {
		c.Categories = []Category{{ID: DefaultCategory}}
	}
	return c
}

// Validate checks the fields every reference adapter needs.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Listing.Format != FormatHTML && c.Listing.Format != FormatJSONHTML {
		errs = append(errs, fmt.Errorf("unknown listing format %q", c.Listing.Format))
	}
	if c.Listing.LinkPattern != "" {
		if _, err := regexp.Compile(c.Listing.LinkPattern); err != nil {
			errs = append(errs, fmt.Errorf("link_pattern: %w", err))
		}
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for i, cat := range c.Categories {
		if cat.ID == "" {
			errs = append(errs, fmt.Errorf("categories[%d]: id is required", i))
		}
		if _, dup := seen[cat.ID]; dup {
			errs = append(errs, fmt.Errorf("categories[%d]: duplicate id %q", i, cat.ID))
		}
		seen[cat.ID] = struct{}{}
		if cat.URL == "" && c.Listing.Request.URL == "" {
			errs = append(errs, fmt.Errorf("categories[%d]: no url and no listing.request.url", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return crawler.NewError(crawler.KindFatalConfig, "adapter config", c.ID, err)
	}
	return nil
}

// CategoryIDs lists category IDs in crawl order.
func (c Config) CategoryIDs() []string {
	ids := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		ids = append(ids, cat.ID)
	}
	return ids
}

func (c Config) category(id string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return Category{}, false
}
