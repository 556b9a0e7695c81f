package ledgerindex

import (
	"context"
	"log/slog"
	"time"

	"workchain/observability"
	"workchain/sdk/rpcclient"
)

// EventSource is the part of the node client the follower needs.
type EventSource interface {
	ListEvents(ctx context.Context, filter rpcclient.EventFilter) (*rpcclient.EventPage, error)
}

// Follower periodically pulls the event log from the node and persists it.
type Follower struct {
	source       EventSource
	store        *Store
	logger       *slog.Logger
	metrics      *observability.IndexerMetrics
	pollInterval time.Duration
	batchSize    int
}

// NewFollower constructs a follower with defaults of a 2s poll and 500-event
// pages.
func NewFollower(source EventSource, store *Store, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{
		source:       source,
		store:        store,
		logger:       logger.With(slog.String("component", "follower")),
		metrics:      observability.Indexer(),
		pollInterval: 2 * time.Second,
		batchSize:    500,
	}
}

// SetPollInterval overrides the poll interval.
func (f *Follower) SetPollInterval(d time.Duration) {
	if d > 0 {
		f.pollInterval = d
	}
}

// SetBatchSize overrides the page size.
func (f *Follower) SetBatchSize(n int) {
	if n > 0 {
		f.batchSize = n
	}
}

// Run polls until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := f.CatchUp(ctx); err != nil && ctx.Err() == nil {
			f.metrics.RecordPollError()
			f.logger.Warn("event poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CatchUp pages through the log until the node has nothing newer and
// returns the number of events ingested.
func (f *Follower) CatchUp(ctx context.Context) (int, error) {
	cursor, err := f.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		page, err := f.source.ListEvents(ctx, rpcclient.EventFilter{From: cursor, Limit: f.batchSize})
		if err != nil {
			return total, err
		}
		if len(page.Events) == 0 {
			return total, nil
		}
		next := page.Next
		if next <= cursor {
			next = page.Events[len(page.Events)-1].Seq + 1
		}
		if err := f.store.Ingest(ctx, page.Events, next); err != nil {
			return total, err
		}
		for _, rec := range page.Events {
			f.metrics.RecordEvent(rec.Event.Type, rec.Seq)
		}
		total += len(page.Events)
		f.logger.Debug("events ingested", slog.Int("count", len(page.Events)), slog.Uint64("cursor", next))
		cursor = next
		if len(page.Events) < f.batchSize {
			return total, nil
		}
	}
}
