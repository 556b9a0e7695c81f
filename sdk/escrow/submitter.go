package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"workchain/observability"
	wotel "workchain/observability/otel"
	"workchain/sdk/rpcclient"
	"workchain/sdk/wallet"
)

// Phase is the stage of a submitted request.
type Phase int

const (
	// PhaseSubmitted means the request was broadcast and inclusion has not
	// been observed. It is the provisional result of every submission.
	PhaseSubmitted Phase = iota
	// PhaseConfirmed means the transition was applied.
	PhaseConfirmed
	// PhaseFailed means the transaction was included but the ledger rejected
	// the transition.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseSubmitted:
		return "submitted"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a submission at some phase. Receipt is set once
// inclusion was observed. Err is the rebuilt ledger error on PhaseFailed; on
// PhaseSubmitted it can only be informational (ErrConfirmationTimeout or a
// poll failure).
type Result struct {
	Phase   Phase
	Ref     wallet.TxRef
	Receipt *rpcclient.Receipt
	Err     error
}

// Pending tracks one submission. Its result starts at PhaseSubmitted and
// settles once the background poll ends.
type Pending struct {
	Action string
	Ref    wallet.TxRef

	mu     sync.Mutex
	result Result
	done   chan struct{}
}

// Result returns the latest known result without blocking.
func (p *Pending) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Done is closed once the background poll ended.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the background poll ends or ctx is cancelled. A
// confirmation timeout settles with PhaseSubmitted and no error from Wait.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Result(), nil
	case <-ctx.Done():
		return p.Result(), ctx.Err()
	}
}

func (p *Pending) settle(r Result) {
	p.mu.Lock()
	p.result = r
	p.mu.Unlock()
	close(p.done)
}

// ReconcileFunc is invoked after the background poll with the settled
// result, typically to refresh canonical state.
type ReconcileFunc func(ctx context.Context, r Result)

// Submitter signs through a wallet, broadcasts, and confirms in the
// background.
type Submitter struct {
	wallet    wallet.Wallet
	logger    *slog.Logger
	timeout   time.Duration
	reconcile ReconcileFunc
	tracer    trace.Tracer
	metrics   *observability.SubmitterMetrics
	meter     metric.MeterProvider
	inst      submitterInstruments
}

// submitterInstruments mirror the prometheus submitter metrics on the
// OpenTelemetry meter so OTLP collectors see them too.
type submitterInstruments struct {
	results  metric.Int64Counter
	timeouts metric.Int64Counter
	latency  metric.Float64Histogram
}

func newSubmitterInstruments(meter metric.Meter) (submitterInstruments, error) {
	var inst submitterInstruments
	var err error
	if inst.results, err = meter.Int64Counter("workchain.submitter.results",
		metric.WithDescription("Submission results by function and phase.")); err != nil {
		return inst, err
	}
	if inst.timeouts, err = meter.Int64Counter("workchain.submitter.confirmation_timeouts",
		metric.WithDescription("Submissions whose inclusion was not observed in time.")); err != nil {
		return inst, err
	}
	if inst.latency, err = meter.Float64Histogram("workchain.submitter.confirmation",
		metric.WithDescription("Broadcast to inclusion latency."), metric.WithUnit("s")); err != nil {
		return inst, err
	}
	return inst, nil
}

func (s *Submitter) recordPhase(ctx context.Context, function, phase string) {
	s.metrics.RecordPhase(function, phase)
	s.inst.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("escrow.function", function),
		attribute.String("escrow.phase", phase)))
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithConfirmationTimeout bounds the background poll.
func WithConfirmationTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithReconcile installs the hook run after every settled poll.
func WithReconcile(fn ReconcileFunc) SubmitterOption {
	return func(s *Submitter) { s.reconcile = fn }
}

// WithMeterProvider records submitter instruments on mp instead of the
// global meter provider.
func WithMeterProvider(mp metric.MeterProvider) SubmitterOption {
	return func(s *Submitter) {
		if mp != nil {
			s.meter = mp
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubmitter returns a submitter acting for w.
func NewSubmitter(w wallet.Wallet, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		wallet:  w,
		logger:  slog.Default(),
		timeout: 30 * time.Second,
		tracer:  wotel.Tracer("sdk/escrow"),
		metrics: observability.Submitter(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(slog.String("component", "submitter"))
	meter := wotel.Meter("sdk/escrow")
	if s.meter != nil {
		meter = s.meter.Meter("workchain/sdk/escrow")
	}
	inst, err := newSubmitterInstruments(meter)
	if err != nil {
		s.logger.Warn("otel instruments unavailable", slog.Any("error", err))
		inst, _ = newSubmitterInstruments(noop.NewMeterProvider().Meter("workchain/sdk/escrow"))
	}
	s.inst = inst
	return s
}

// Submit signs and broadcasts req and returns as soon as the broadcast is
// accepted. Signing rejections and broadcast failures are returned directly;
// nothing after a successful broadcast can turn into an error here.
func (s *Submitter) Submit(ctx context.Context, req wallet.Request) (*Pending, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.submit", trace.WithAttributes(attribute.String("escrow.function", req.Function)))
	defer span.End()

	ref, err := s.wallet.SignAndSubmit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		if errors.Is(err, wallet.ErrRejected) {
			s.recordPhase(ctx, req.Function, "rejected")
			return nil, fmt.Errorf("escrow: %s: %w", req.Function, ErrSigningRejected)
		}
		s.recordPhase(ctx, req.Function, "submission_failed")
		return nil, &submissionError{cause: err}
	}
	span.SetAttributes(attribute.String("escrow.tx", string(ref)))
	s.recordPhase(ctx, req.Function, PhaseSubmitted.String())

	p := &Pending{
		Action: req.Function,
		Ref:    ref,
		result: Result{Phase: PhaseSubmitted, Ref: ref},
		done:   make(chan struct{}),
	}
	go s.confirm(trace.ContextWithSpanContext(context.Background(), span.SpanContext()), p)
	return p, nil
}

func (s *Submitter) confirm(parent context.Context, p *Pending) {
	ctx, span := s.tracer.Start(parent, "escrow.confirm", trace.WithAttributes(attribute.String("escrow.tx", string(p.Ref))))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := s.wallet.WaitForInclusion(ctx, p.Ref)
	result := Result{Phase: PhaseSubmitted, Ref: p.Ref}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		result.Err = ErrConfirmationTimeout
		s.metrics.RecordTimeout()
		s.inst.timeouts.Add(parent, 1, metric.WithAttributes(attribute.String("escrow.function", p.Action)))
		s.logger.Warn("confirmation timed out; result stays submitted",
			slog.String("function", p.Action),
			slog.String("txHash", string(p.Ref)),
			slog.Duration("timeout", s.timeout))
	case err != nil:
		result.Err = err
		s.logger.Warn("confirmation poll failed; result stays submitted",
			slog.String("function", p.Action),
			slog.String("txHash", string(p.Ref)),
			slog.Any("error", err))
	case receipt.Succeeded():
		result.Phase = PhaseConfirmed
		result.Receipt = receipt
		s.observeConfirmation(parent, p.Action, time.Since(start))
	default:
		result.Phase = PhaseFailed
		result.Receipt = receipt
		result.Err = receipt.Err()
		s.observeConfirmation(parent, p.Action, time.Since(start))
		span.SetStatus(codes.Error, receipt.ErrorReason)
		s.logger.Info("transition rejected by ledger",
			slog.String("function", p.Action),
			slog.String("txHash", string(p.Ref)),
			slog.String("kind", receipt.ErrorKind),
			slog.String("reason", receipt.ErrorReason))
	}
	if result.Phase != PhaseSubmitted {
		s.recordPhase(parent, p.Action, result.Phase.String())
	}
	p.settle(result)

	if s.reconcile != nil {
		reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), s.timeout)
		defer cancelReconcile()
		s.reconcile(reconcileCtx, result)
	}
}

func (s *Submitter) observeConfirmation(ctx context.Context, function string, d time.Duration) {
	s.metrics.ObserveConfirmation(d)
	s.inst.latency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("escrow.function", function)))
}
