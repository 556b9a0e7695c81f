package ledgerindex

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// SchedulerConfig configures the daily payout export.
type SchedulerConfig struct {
	Store     *Store
	OutputDir string
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler writes one Parquet settlement report per day covering the
// payouts indexed since the previous report. The watermark of the previous
// report lives in the store, so a restart resumes where it left off.
type Scheduler struct {
	store     *Store
	outputDir string
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		outputDir: cfg.OutputDir,
		runHour:   clamp(cfg.RunHour, 0, 23),
		runMinute: clamp(cfg.RunMinute, 0, 59),
		location:  loc,
		logger:    logger.With(slog.String("component", "export")),
		now:       time.Now,
	}
}

// Start runs the export loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}
	for {
		now := s.now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, _, err := s.RunOnce(ctx, next); err != nil {
				s.logger.Warn("payout export failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce exports the payouts after the stored watermark into a report named
// after at. It returns the file path and row count; an empty window writes
// nothing. The watermark advances only once the report is in place.
func (s *Scheduler) RunOnce(ctx context.Context, at time.Time) (string, int, error) {
	lastSeq, err := s.store.ExportWatermark(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("ledgerindex: read export watermark: %w", err)
	}
	payouts, err := s.store.Payouts(ctx, PayoutFilter{AfterSequence: lastSeq})
	if err != nil {
		return "", 0, err
	}
	if len(payouts) == 0 {
		return "", 0, nil
	}
	path := filepath.Join(s.outputDir, fmt.Sprintf("payouts-%s.parquet", at.In(s.location).Format("20060102-1504")))
	if err := writeParquetFile(path, payouts); err != nil {
		return "", 0, err
	}
	through := payouts[len(payouts)-1].Sequence
	if err := s.store.SetExportWatermark(ctx, through); err != nil {
		return path, len(payouts), fmt.Errorf("ledgerindex: advance export watermark: %w", err)
	}
	s.logger.Info("payout report written",
		slog.String("path", path),
		slog.Int("rows", len(payouts)),
		slog.Uint64("through_seq", through))
	return path, len(payouts), nil
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
