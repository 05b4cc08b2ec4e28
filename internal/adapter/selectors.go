package adapter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
)

const altSeparator = "||"

// extract evaluates expr against sel. An expression lists alternatives
// separated by "||"; each is a CSS selector with an optional "@attr"
// suffix, and an empty selector means sel itself. The first alternative
// with a non-empty value wins. Multiple matches are joined by a space.
func extract(sel *goquery.Selection, expr string) string {
	for _, alt := range strings.Split(expr, altSeparator) {
		if v := extractOne(sel, strings.TrimSpace(alt)); v != "" {
			return v
		}
	}
	return ""
}

func extractOne(sel *goquery.Selection, expr string) string {
	if expr == "" {
		return ""
	}
	query, attr := splitAttr(expr)
	target := sel
	if query != "" {
		target = sel.Find(query)
	}
	var parts []string
	target.Each(func(_ int, s *goquery.Selection) {
		var v string
		if attr != "" {
			v, _ = s.Attr(attr)
		} else {
			v = s.Text()
		}
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	})
	return strings.Join(parts, " ")
}

func splitAttr(expr string) (string, string) {
	idx := strings.LastIndex(expr, "@")
	// "[href@=x]" style attribute selectors keep their "@".
	if idx < 0 || strings.ContainsAny(expr[idx:], "]) ") {
		return expr, ""
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+1:])
}

// extractFields evaluates every selector in fields against sel, skipping
// empty results.
func extractFields(sel *goquery.Selection, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for name, expr := range fields {
		if v := extract(sel, expr); v != "" {
			out[name] = v
		}
	}
	return out
}

// mergeHints fills fields missing from detail with listing hints.
func mergeHints(detail, hints map[string]string) map[string]string {
	return lo.Assign(hints, lo.PickBy(detail, func(_, v string) bool {
		return strings.TrimSpace(v) != ""
	}))
}
