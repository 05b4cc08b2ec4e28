// Package normalize turns raw adapter fields into canonical records: cleaned
// text, canonical dates and times, sentinel-filled optional fields, and a
// natural key. Normalization is pure and never retried.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// ErrMissingMandatory is wrapped when a mandatory field is absent, empty, or
// equal to the sentinel after cleaning.
var ErrMissingMandatory = errors.New("missing mandatory field")

// Normalizer applies one Schema.
type Normalizer struct {
	schema    Schema
	loc       *time.Location
	declared  []string
	mandatory map[string]struct{}
}

// New validates schema and builds a Normalizer.
func New(schema Schema) (*Normalizer, error) {
	if schema.Sentinel == "" {
		schema.Sentinel = DefaultSentinel
	}
	if schema.Collection == "" {
		schema.Collection = DefaultCollection
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	loc := time.UTC
	if schema.Timezone != "" {
		l, err := time.LoadLocation(schema.Timezone)
		if err != nil {
			return nil, crawler.NewError(crawler.KindFatalConfig, "schema", schema.Timezone, err)
		}
		loc = l
	}
	return &Normalizer{
		schema:    schema,
		loc:       loc,
		declared:  schema.declared(),
		mandatory: lo.SliceToMap(schema.Mandatory, toSet),
	}, nil
}

// Schema returns the schema in effect.
func (n *Normalizer) Schema() Schema {
	return n.schema
}

// Normalize converts raw fields into a NormalizedRecord or fails with a
// normalization error naming the offending fields.
func (n *Normalizer) Normalize(sourceID string, raw map[string]string) (crawler.NormalizedRecord, error) {
	fields := make(map[string]string, len(raw)+len(n.declared))
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		fields[key] = CleanText(v)
	}
	ref := fields["url"]

	n.applySplits(fields)
	if n.absent(fields["source"]) && lo.Contains(n.declared, "source") {
		fields["source"] = sourceID
	}
	for k, v := range n.schema.Defaults {
		if n.absent(fields[k]) {
			fields[k] = v
		}
	}

	var problems []string
	var published time.Time
	for _, name := range n.schema.DateFields {
		value := fields[name]
		if n.absent(value) {
			continue
		}
		t, err := ParseDate(value, n.schema.DateLayouts, n.loc)
		if err != nil {
			if n.isMandatory(name) {
				problems = append(problems, name+" (unparseable)")
			}
			fields[name] = n.schema.Sentinel
			continue
		}
		fields[name] = t.Format(DateLayout)
		if published.IsZero() {
			published = t
		}
	}
	for _, name := range n.schema.TimeFields {
		value := fields[name]
		if n.absent(value) {
			continue
		}
		t, err := ParseTime(value)
		if err != nil {
			if n.isMandatory(name) {
				problems = append(problems, name+" (unparseable)")
			}
			fields[name] = n.schema.Sentinel
			continue
		}
		fields[name] = t.Format(TimeLayout)
	}

	for _, name := range n.schema.Mandatory {
		if n.absent(fields[name]) {
			problems = append(problems, name)
		}
	}
	if len(problems) > 0 {
		return crawler.NormalizedRecord{}, crawler.NewError(crawler.KindNormalization, "normalize", ref,
			fmt.Errorf("%w: %s", ErrMissingMandatory, strings.Join(lo.Uniq(problems), ", ")))
	}

	for _, name := range n.declared {
		if n.absent(fields[name]) {
			fields[name] = n.schema.Sentinel
		}
	}

	key, err := n.naturalKey(fields)
	if err != nil {
		return crawler.NormalizedRecord{}, crawler.NewError(crawler.KindNormalization, "natural key", ref, err)
	}

	return crawler.NormalizedRecord{
		NaturalKey:     key,
		SourceID:       sourceID,
		CollectionHint: collectionFor(n.schema.Collection, sourceID, n.schema.Kind),
		Fields:         fields,
		PublishedAt:    published,
	}, nil
}

// NaturalKey computes the key for already-normalized fields.
func (n *Normalizer) NaturalKey(fields map[string]string) (string, error) {
	return n.naturalKey(fields)
}

func (n *Normalizer) naturalKey(fields map[string]string) (string, error) {
	if len(n.schema.KeyFields) == 1 && n.schema.KeyFields[0] == "url" {
		canonical, err := crawler.NormalizeURL(fields["url"])
		if err != nil {
			return "", fmt.Errorf("canonicalize url: %w", err)
		}
		fields["url"] = canonical
		return canonical, nil
	}
	parts := make([]string, 0, len(n.schema.KeyFields))
	for _, name := range n.schema.KeyFields {
		value := fields[name]
		if n.absent(value) {
			return "", fmt.Errorf("%w: key field %s", ErrMissingMandatory, name)
		}
		parts = append(parts, strings.ToLower(value))
	}
	return strings.Join(parts, "|"), nil
}

func (n *Normalizer) applySplits(fields map[string]string) {
	for _, sp := range n.schema.Splits {
		value, ok := fields[sp.Field]
		if !ok || !strings.Contains(value, sp.Separator) {
			continue
		}
		parts := strings.SplitN(value, sp.Separator, len(sp.Into))
		for i, target := range sp.Into {
			if i >= len(parts) {
				break
			}
			part := strings.TrimSpace(parts[i])
			if part == "" && target != sp.Field {
				continue
			}
			fields[target] = part
		}
	}
}

func (n *Normalizer) absent(value string) bool {
	v := strings.TrimSpace(value)
	return v == "" || v == n.schema.Sentinel
}

func (n *Normalizer) isMandatory(name string) bool {
	_, ok := n.mandatory[name]
	return ok
}

func toSet(s string) (string, struct{}) {
	return s, struct{}{}
}
