package normalize

import (
	"strings"

	"github.com/samber/lo"
)

// Filter keeps records whose text mentions any Include keyword and none of
// the Exclude keywords. An empty Include list keeps everything not excluded.
type Filter struct {
	Fields  []string `mapstructure:"fields"`
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
}

// Enabled reports whether the filter has any keywords.
func (f Filter) Enabled() bool {
	return len(f.Include) > 0 || len(f.Exclude) > 0
}

// Match reports whether fields pass the filter and, if not, the reason.
func (f Filter) Match(fields map[string]string) (bool, string) {
	if !f.Enabled() {
		return true, ""
	}
	names := f.Fields
	if len(names) == 0 {
		names = []string{"title", "content"}
	}
	text := strings.ToLower(strings.Join(lo.Map(names, func(name string, _ int) string {
		return fields[name]
	}), " "))

	if hit, ok := lo.Find(f.Exclude, func(kw string) bool {
		return kw != "" && strings.Contains(text, strings.ToLower(kw))
	}); ok {
		return false, "excluded keyword " + hit
	}
	if len(f.Include) == 0 {
		return true, ""
	}
	if lo.ContainsBy(f.Include, func(kw string) bool {
		return kw != "" && strings.Contains(text, strings.ToLower(kw))
	}) {
		return true, ""
	}
	return false, "no include keyword"
}
