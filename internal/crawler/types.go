package crawler

import (
	"time"
)

// CrawlCursor is the resumable position of a crawl within one source.
type CrawlCursor struct {
	SourceID   string    `json:"source_id" yaml:"source_id"`
	CategoryID string    `json:"category_id" yaml:"category_id"`
	Offset     int       `json:"page_or_offset" yaml:"page_or_offset"`
	Completed  bool      `json:"completed,omitempty" yaml:"completed,omitempty"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// CandidateLink is a detail page discovered on a listing page.
type CandidateLink struct {
	SourceID   string
	CategoryID string
	URL        string
	// Key is an optional adapter-supplied natural key, used for dedup before
	// the detail page is fetched. Empty means the canonical URL is the key.
	Key string
	// Hints carries raw fields visible on the listing (dates, titles) that
	// the detail page may not repeat.
	Hints        map[string]string
	DiscoveredAt time.Time
}

// ListingPage is the result of one listing fetch.
type ListingPage struct {
	Candidates []CandidateLink
	HasMore    bool
}

// NormalizedRecord is the canonical form handed to a Sink.
type NormalizedRecord struct {
	NaturalKey     string
	SourceID       string
	CollectionHint string
	Fields         map[string]string
	// PublishedAt is the parsed primary date, zero when the record kind has none.
	PublishedAt time.Time
}

// DedupEntry is one line of the append-only dedup log.
type DedupEntry struct {
	NaturalKey  string    `json:"natural_key"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// RetryState tracks an operation that has failed at least once.
type RetryState struct {
	OperationID    string
	AttemptCount   int
	NextEligibleAt time.Time
	LastErrorKind  ErrorKind
}

// UpsertResult reports whether an upsert created or replaced a record.
type UpsertResult int

// Upsert outcomes.
const (
	UpsertInserted UpsertResult = iota + 1
	UpsertUpdated
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of one candidate in the worker pipeline.
type Outcome string

// Candidate outcomes, also used as metric labels.
const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDropped  Outcome = "dropped"
	OutcomeFiltered Outcome = "filtered"
	OutcomeCutoff   Outcome = "cutoff"
	OutcomeKnown    Outcome = "known"
)

// SourceStats aggregates the work done for one source during a run.
type SourceStats struct {
	SourceID   string        `json:"source_id"`
	Pages      int           `json:"pages"`
	Dispatched int           `json:"dispatched"`
	Inserted   int           `json:"inserted"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Dropped    int           `json:"dropped"`
	Filtered   int           `json:"filtered"`
	Cutoff     int           `json:"cutoff"`
	Known      int           `json:"known"`
	Retries    int           `json:"retries"`
	Categories int           `json:"categories"`
	Err        string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Add folds a candidate outcome into the stats.
func (s *SourceStats) Add(o Outcome) {
	switch o {
	case OutcomeInserted:
		s.Inserted++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeDropped:
		s.Dropped++
	case OutcomeFiltered:
		s.Filtered++
	case OutcomeCutoff:
		s.Cutoff++
	case OutcomeKnown:
		s.Known++
	}
}

// Persisted reports how many records reached the sink.
func (s SourceStats) Persisted() int {
	return s.Inserted + s.Updated
}

// RecordNotice is published after a record is first inserted.
type RecordNotice struct {
	RunID       string    `json:"run_id"`
	SourceID    string    `json:"source_id"`
	Collection  string    `json:"collection"`
	NaturalKey  string    `json:"natural_key"`
	URL         string    `json:"url,omitempty"`
	Result      string    `json:"result"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// Attributes returns message attributes for brokers that support filtering.
func (n RecordNotice) Attributes() map[string]string {
	return map[string]string{
		"source":     n.SourceID,
		"collection": n.Collection,
		"result":     n.Result,
	}
}
