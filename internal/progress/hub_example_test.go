package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit counts inserted records for a source.
func ExampleHub_Emit() {
	inserted := 0
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Outcome == crawler.OutcomeInserted {
				inserted++
			}
		}
		return nil
	}))

	hub.Emit(Event{
		RunID:   [16]byte(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		TS:      time.Unix(0, 0),
		Stage:   StageRecord,
		Source:  "dawn",
		Outcome: crawler.OutcomeInserted,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records inserted: %d\n", inserted)
	// Output:
	// records inserted: 1
}
