// ============================================================================
// Sale-Sniper DispatchEngine - 定時並發提交
// ============================================================================
//
// Package: internal/dispatch
// File: engine.go
// Purpose: Wait for an offset-corrected deadline, then fire a fixed number of
//          concurrent submissions and aggregate their outcomes.
//
// Phases:
//   0. arm      worker pool started, every worker parked on the release gate
//   1. wait     coarse sleep until SpinWindow before the deadline, one async
//               forced resync, then sleep min(PollInterval, remaining) until
//               corrected now >= deadline. Cancellable.
//   2. fan-out  Release(): exactly WorkerCount submits. Not cancellable.
//   3. join     every submit bounded by SubmitTimeout, all outcomes drained.
//
// Time base:
//   corrected now = anchorEpoch + time.Since(anchor) + offset
//   time.Since reads the monotonic clock, so wall clock steps during the wait
//   do not move the fire instant.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/internal/worker"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

var (
	// ErrInvalidJob 任務參數不合法
	ErrInvalidJob = errors.New("dispatch: invalid job")
	// ErrCancelled 在觸發前被取消，沒有任何提交
	ErrCancelled = errors.New("dispatch: cancelled before deadline")
	// ErrAlreadyDrained 結果通道只能被讀取一次
	ErrAlreadyDrained = errors.New("dispatch: outcomes already drained")
)

// maxCoarseSleep bounds one coarse sleep so the cached offset is re-sampled.
const maxCoarseSleep = 30 * time.Second

// Clock is the slice of clocksync.Syncer the engine needs.
type Clock interface {
	GetOffset(ctx context.Context, platform string, forceSync bool) float64
}

// Recorder receives dispatch metrics; satisfied by *metrics.Collector.
type Recorder interface {
	RecordSubmit(result string, latency time.Duration)
	RecordFire(lateness time.Duration)
	RecordDispatch(success bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmit(string, time.Duration) {}
func (nopRecorder) RecordFire(time.Duration)           {}
func (nopRecorder) RecordDispatch(bool)                {}

// Submit outcome labels.
const (
	SubmitAccepted = "accepted"
	SubmitRejected = "rejected"
	SubmitError    = "error"
)

// Config 分派參數
type Config struct {
	Platform      string
	SubmitTimeout time.Duration // per-call bound (default 5s)
	SpinWindow    time.Duration // fine-grained wait before the deadline (default 1s)
	PollInterval  time.Duration // fine loop step (default 10ms)
	SuccessMarker string
}

func (c Config) withDefaults() Config {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.SpinWindow <= 0 {
		c.SpinWindow = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithFirstSuccess registers an early notification for the winning outcome.
func WithFirstSuccess(fn func(types.SubmitOutcome)) Option {
	return func(e *Engine) { e.onSuccess = fn }
}

// Engine 分派引擎，可重複使用，每次 Dispatch 獨立
type Engine struct {
	cfg       Config
	clock     Clock
	logger    zerolog.Logger
	recorder  Recorder
	onSuccess func(types.SubmitOutcome)
}

// NewEngine 建立分派引擎
func NewEngine(cfg Config, clock Clock, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch waits for job.Deadline and fans out job.WorkerCount submits.
// ctx is only observed until the deadline; a DispatchResult with
// Success=false is a normal outcome, not an error.
func (e *Engine) Dispatch(ctx context.Context, job types.DispatchJob, submit worker.SubmitFunc) (types.DispatchResult, error) {
	if err := validate(job, submit); err != nil {
		return types.DispatchResult{}, err
	}

	aggOpts := []AggregatorOption{}
	if e.onSuccess != nil {
		aggOpts = append(aggOpts, OnFirstSuccess(e.onSuccess))
	}
	agg := NewAggregator(job.WorkerCount, e.cfg.SuccessMarker, aggOpts...)
	pool := worker.NewPool(job.WorkerCount, worker.WithLogger(e.logger))
	if err := pool.Start(agg.Sink()); err != nil {
		return types.DispatchResult{}, fmt.Errorf("dispatch: arm pool: %w", err)
	}

	e.logger.Info().
		Str("deadline", types.FromEpochSeconds(job.Deadline).Format("15:04:05.000")).
		Int("workers", job.WorkerCount).Msg("dispatch armed")

	offset, err := e.waitUntil(ctx, job.Deadline)
	if err != nil {
		pool.Stop()
		agg.Close()
		e.logger.Warn().Err(err).Msg("dispatch cancelled before deadline")
		return types.DispatchResult{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	type drainResult struct {
		result types.DispatchResult
		err    error
	}
	drained := make(chan drainResult, 1)
	go func() {
		r, err := agg.Drain()
		drained <- drainResult{r, err}
	}()

	firedAt, err := pool.Release(worker.Task{
		Submit:  submit,
		Payload: job.Payload.Clone(),
		Timeout: e.cfg.SubmitTimeout,
	})
	if err != nil {
		pool.Stop()
		agg.Close()
		<-drained
		return types.DispatchResult{}, fmt.Errorf("dispatch: release: %w", err)
	}

	lateness := time.Duration((types.EpochSeconds(firedAt) + offset - job.Deadline) * float64(time.Second))
	e.recorder.RecordFire(lateness)
	e.logger.Info().Dur("lateness", lateness).Int("workers", job.WorkerCount).Msg("dispatch fired")

	pool.Wait()
	agg.Close()
	d := <-drained
	if d.err != nil {
		return types.DispatchResult{}, d.err
	}

	result := d.result
	result.FiredAt = firedAt
	result.Lateness = lateness
	e.record(agg, result)
	return result, nil
}

// waitUntil blocks until the corrected clock reaches deadline and returns the
// offset in effect at that moment.
func (e *Engine) waitUntil(ctx context.Context, deadline float64) (float64, error) {
	anchor := time.Now()
	anchorEpoch := types.EpochSeconds(anchor)
	remaining := func(offset float64) time.Duration {
		corrected := anchorEpoch + time.Since(anchor).Seconds() + offset
		return time.Duration((deadline - corrected) * float64(time.Second))
	}

	offset := e.clock.GetOffset(ctx, e.cfg.Platform, false)

	// coarse phase
	for {
		left := remaining(offset)
		if left <= e.cfg.SpinWindow {
			break
		}
		step := left - e.cfg.SpinWindow
		if step > maxCoarseSleep {
			step = maxCoarseSleep
		}
		if err := sleep(ctx, step); err != nil {
			return offset, err
		}
		offset = e.clock.GetOffset(ctx, e.cfg.Platform, false)
	}

	// final window: one forced resync that can never delay the fire
	resync := make(chan float64, 1)
	go func() { resync <- e.clock.GetOffset(ctx, e.cfg.Platform, true) }()

	for {
		select {
		case o := <-resync:
			offset = o
			resync = nil
		default:
		}

		left := remaining(offset)
		if left <= 0 {
			return offset, nil
		}
		if left > e.cfg.PollInterval {
			left = e.cfg.PollInterval
		}
		if err := sleep(ctx, left); err != nil {
			return offset, err
		}
	}
}

func (e *Engine) record(agg *Aggregator, result types.DispatchResult) {
	for _, o := range result.AllOutcomes {
		switch {
		case o.Failed():
			e.recorder.RecordSubmit(SubmitError, o.Latency)
		case agg.Accepted(o):
			e.recorder.RecordSubmit(SubmitAccepted, o.Latency)
		default:
			e.recorder.RecordSubmit(SubmitRejected, o.Latency)
		}
	}
	e.recorder.RecordDispatch(result.Success)

	ev := e.logger.Info().Bool("success", result.Success).
		Int("outcomes", len(result.AllOutcomes)).Int("failed", result.Failed())
	if result.WinningOutcome != nil {
		ev = ev.Int("winner", result.WinningOutcome.WorkerID).Dur("winner_latency", result.WinningOutcome.Latency)
	}
	ev.Msg("dispatch finished")
}

func validate(job types.DispatchJob, submit worker.SubmitFunc) error {
	switch {
	case submit == nil:
		return fmt.Errorf("%w: submit function is nil", ErrInvalidJob)
	case job.WorkerCount < 1:
		return fmt.Errorf("%w: worker count %d", ErrInvalidJob, job.WorkerCount)
	case job.Deadline <= 0:
		return fmt.Errorf("%w: deadline %.3f", ErrInvalidJob, job.Deadline)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
