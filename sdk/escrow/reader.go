package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"workchain/crypto"
	nativeescrow "workchain/native/escrow"
	"workchain/sdk/rpcclient"
)

// Reader reconstructs canonical escrow state from ledger queries. It keeps
// no local state of its own.
type Reader struct {
	client *rpcclient.Client
	logger *slog.Logger
}

// NewReader returns a reader backed by client.
func NewReader(client *rpcclient.Client, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{client: client, logger: logger.With(slog.String("component", "reader"))}
}

// Params returns the ledger's escrow parameters.
func (r *Reader) Params(ctx context.Context) (nativeescrow.Params, error) {
	return r.client.Params(ctx)
}

// Job returns the current job snapshot.
func (r *Reader) Job(ctx context.Context, jobID uint64) (*nativeescrow.Job, error) {
	view, err := r.client.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return view.Decode()
}

// GetProjectStatus returns the job status.
func (r *Reader) GetProjectStatus(ctx context.Context, jobID uint64) (nativeescrow.ProjectStatus, error) {
	status, err := r.client.ProjectStatus(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return nativeescrow.ProjectStatus(status.StatusCode), nil
}

// GetMilestoneStatus returns the status of one milestone.
func (r *Reader) GetMilestoneStatus(ctx context.Context, jobID, index uint64) (nativeescrow.MilestoneStatus, error) {
	status, err := r.client.MilestoneStatus(ctx, jobID, index)
	if err != nil {
		return 0, err
	}
	return nativeescrow.MilestoneStatus(status.StatusCode), nil
}

// GetMilestoneReviewers returns the assigned reviewers in assignment order.
func (r *Reader) GetMilestoneReviewers(ctx context.Context, jobID, index uint64) ([][20]byte, error) {
	raw, err := r.client.MilestoneReviewers(ctx, jobID, index)
	if err != nil {
		return nil, err
	}
	return parseAddresses(raw)
}

// GetMilestoneVotes returns voters and their votes in cast order.
func (r *Reader) GetMilestoneVotes(ctx context.Context, jobID, index uint64) ([][20]byte, []bool, error) {
	votes, err := r.client.MilestoneVotes(ctx, jobID, index)
	if err != nil {
		return nil, nil, err
	}
	if len(votes.Voters) != len(votes.Votes) {
		return nil, nil, fmt.Errorf("escrow: %d voters for %d votes", len(votes.Voters), len(votes.Votes))
	}
	voters, err := parseAddresses(votes.Voters)
	if err != nil {
		return nil, nil, err
	}
	values := make([]bool, len(votes.Votes))
	for i, v := range votes.Votes {
		values[i] = v == 1
	}
	return voters, values, nil
}

// IsReviewer reports whether addr was ever assigned to a dispute panel.
func (r *Reader) IsReviewer(ctx context.Context, addr [20]byte) (bool, error) {
	return r.client.IsReviewer(ctx, addr)
}

// CreatedJobID extracts the job id from the receipt of a confirmed
// create_job.
func CreatedJobID(receipt *rpcclient.Receipt) (uint64, error) {
	raw, ok := receipt.Attribute(nativeescrow.EventTypeJobCreated, nativeescrow.AttributeJobID)
	if !ok {
		return 0, fmt.Errorf("escrow: receipt carries no %s event", nativeescrow.EventTypeJobCreated)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("escrow: job id %q: %w", raw, err)
	}
	return id, nil
}

func parseAddresses(raw []string) ([][20]byte, error) {
	out := make([][20]byte, len(raw))
	for i, text := range raw {
		addr, err := crypto.ParseAddress(text)
		if err != nil {
			return nil, fmt.Errorf("escrow: address %d: %w", i, err)
		}
		out[i] = addr
	}
	return out, nil
}

// Watch calls fn with the job snapshot whenever it changes. It refreshes
// every interval and, while the node's event stream is reachable, as soon
// as an event for the job arrives. Watch returns when ctx is cancelled or fn
// returns an error.
func (r *Reader) Watch(ctx context.Context, jobID uint64, interval time.Duration, fn func(*nativeescrow.Job) error) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	trigger := make(chan struct{}, 1)
	go r.followEvents(ctx, jobID, trigger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *nativeescrow.JobView
	refresh := func() error {
		view, err := r.client.Job(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("job refresh failed", slog.Uint64("jobId", jobID), slog.Any("error", err))
			return nil
		}
		if last != nil && reflect.DeepEqual(*last, *view) {
			return nil
		}
		last = view
		job, err := view.Decode()
		if err != nil {
			return err
		}
		return fn(job)
	}

	if err := refresh(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-trigger:
		}
		if err := refresh(); err != nil {
			return err
		}
	}
}

func (r *Reader) followEvents(ctx context.Context, jobID uint64, trigger chan<- struct{}) {
	want := strconv.FormatUint(jobID, 10)
	err := r.client.SubscribeEvents(ctx, rpcclient.Subscription{}, func(rec rpcclient.EventRecord) error {
		if rec.Event.Attributes[nativeescrow.AttributeJobID] != want {
			return nil
		}
		select {
		case trigger <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Debug("event stream unavailable; polling only", slog.Any("error", err))
	}
}
