package normalize

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// DefaultSentinel replaces declared fields that are structurally absent.
const DefaultSentinel = "N/A"

// DefaultCollection routes records to one partition per source.
const DefaultCollection = "{source}_raw"

// Split breaks a combined field such as "12 March 2024 | 10:30" into parts.
type Split struct {
	Field     string   `mapstructure:"field"`
	Separator string   `mapstructure:"separator"`
	Into      []string `mapstructure:"into"`
}

// Schema declares how raw fields of one record kind become a NormalizedRecord.
// It is configuration, not code: sources of the same kind share a schema and
// may override parts of it.
type Schema struct {
	Kind       string            `mapstructure:"kind"`
	Fields     []string          `mapstructure:"fields"`
	Mandatory  []string          `mapstructure:"mandatory_fields"`
	DateFields []string          `mapstructure:"date_fields"`
	TimeFields []string          `mapstructure:"time_fields"`
	KeyFields  []string          `mapstructure:"key_fields"`
	Splits     []Split           `mapstructure:"splits"`
	Defaults   map[string]string `mapstructure:"defaults"`
	Collection string            `mapstructure:"collection"`
	Sentinel   string            `mapstructure:"sentinel"`
	// DateLayouts are tried before the built-in layouts.
	DateLayouts []string `mapstructure:"date_layouts"`
	// Timezone names the location dates without an offset are read in.
	Timezone string `mapstructure:"timezone"`
}

// NewsSchema is the built-in schema for article records.
func NewsSchema() Schema {
	return Schema{
		Kind:       "news",
		Fields:     []string{"title", "content", "date", "url", "source", "category", "reported_time"},
		Mandatory:  []string{"title", "content", "date", "url", "source"},
		DateFields: []string{"date"},
		KeyFields:  []string{"url"},
		Defaults:   map[string]string{"category": DefaultSentinel},
		Collection: DefaultCollection,
		Sentinel:   DefaultSentinel,
	}
}

// WeatherSchema is the built-in schema for observation records. The natural
// key is the location plus the observation date and time.
func WeatherSchema() Schema {
	return Schema{
		Kind: "weather",
		Fields: []string{
			"identifier", "date", "time", "temperature", "location",
			"weather", "wind", "humidity", "pressure", "visibility", "url", "source",
		},
		Mandatory:  []string{"identifier", "date", "time", "temperature", "location"},
		DateFields: []string{"date"},
		TimeFields: []string{"time"},
		KeyFields:  []string{"location", "date", "time"},
		Splits:     []Split{{Field: "date", Separator: "|", Into: []string{"date", "time"}}},
		Collection: "weather_{source}",
		Sentinel:   DefaultSentinel,
	}
}

// Builtin returns the named built-in schema.
func Builtin(kind string) (Schema, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "news", "":
		return NewsSchema(), true
	case "weather":
		return WeatherSchema(), true
	default:
		return Schema{}, false
	}
}

// Override returns a copy of s with every non-empty field of o applied.
func (s Schema) Override(o Schema) Schema {
	out := s
	if o.Kind != "" {
		out.Kind = o.Kind
	}
	if len(o.Fields) > 0 {
		out.Fields = o.Fields
	}
	if len(o.Mandatory) > 0 {
		out.Mandatory = o.Mandatory
	}
	if len(o.DateFields) > 0 {
		out.DateFields = o.DateFields
	}
	if len(o.TimeFields) > 0 {
		out.TimeFields = o.TimeFields
	}
	if len(o.KeyFields) > 0 {
		out.KeyFields = o.KeyFields
	}
	if len(o.Splits) > 0 {
		out.Splits = o.Splits
	}
	if len(o.Defaults) > 0 {
		out.Defaults = lo.Assign(s.Defaults, o.Defaults)
	}
	if o.Collection != "" {
		out.Collection = o.Collection
	}
	if o.Sentinel != "" {
		out.Sentinel = o.Sentinel
	}
	if len(o.DateLayouts) > 0 {
		out.DateLayouts = o.DateLayouts
	}
	if o.Timezone != "" {
		out.Timezone = o.Timezone
	}
	return out
}

// Validate rejects schemas that could never produce a keyed record.
func (s Schema) Validate() error {
	if len(s.Mandatory) == 0 {
		return crawler.Errorf(crawler.KindFatalConfig, "schema", "%s: mandatory_fields is required", s.Kind)
	}
	if len(s.KeyFields) == 0 {
		return crawler.Errorf(crawler.KindFatalConfig, "schema", "%s: key_fields is required", s.Kind)
	}
	if missing := lo.Without(s.KeyFields, s.Mandatory...); len(missing) > 0 {
		return crawler.Errorf(crawler.KindFatalConfig, "schema",
			"%s: key fields %s must be mandatory", s.Kind, strings.Join(missing, ", "))
	}
	for _, sp := range s.Splits {
		if sp.Field == "" || sp.Separator == "" || len(sp.Into) < 2 {
			return crawler.Errorf(crawler.KindFatalConfig, "schema",
				"%s: split on %q needs a separator and two targets", s.Kind, sp.Field)
		}
	}
	if s.Collection != "" && strings.TrimSpace(collectionFor(s.Collection, "x", s.Kind)) == "" {
		return crawler.Errorf(crawler.KindFatalConfig, "schema", "%s: collection resolves empty", s.Kind)
	}
	return nil
}

// declared is every field the schema knows about.
func (s Schema) declared() []string {
	return lo.Uniq(lo.Flatten([][]string{s.Fields, s.Mandatory, s.DateFields, s.TimeFields, s.KeyFields}))
}

func collectionFor(template, sourceID, kind string) string {
	if template == "" {
		template = DefaultCollection
	}
	r := strings.NewReplacer("{source}", sourceID, "{kind}", kind)
	return r.Replace(template)
}

func (s Schema) String() string {
	return fmt.Sprintf("%s(mandatory=%s key=%s)", s.Kind, strings.Join(s.Mandatory, ","), strings.Join(s.KeyFields, ","))
}
