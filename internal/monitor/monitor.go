// ============================================================================
// Sale-Sniper MonitorLoop - 自適應快照監控
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Purpose: Re-acquire the target snapshot on an adaptive schedule, keep the
//          clock offset live and report meaningful changes.
//
// State machine:
//   Idle → Monitoring → {Unchanged, Updated} → Monitoring → … → Stopped
//                                                             ↘ Failed
//
// Cycle:
//   1. timeToTarget = targetTimestamp - (now + offset)
//   2. resync offset (forced inside the final window)
//   3. fetch + validate with retry, skipped when timeToTarget <= skip window
//   4. diff against the held snapshot, notify on change
//   5. countdown log (throttled)
//   6. sleep NextInterval(timeToTarget), interruptible by Stop()
//
// The loop runs in exactly one goroutine and never overlaps itself.
//
// ============================================================================

package monitor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/internal/countdown"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// State 監控狀態
type State string

const (
	StateIdle       State = "idle"
	StateMonitoring State = "monitoring"
	StateUnchanged  State = "unchanged"
	StateUpdated    State = "updated"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Clock is the slice of clocksync.Syncer the loop needs.
type Clock interface {
	GetOffset(ctx context.Context, platform string, forceSync bool) float64
}

// Recorder receives loop metrics; satisfied by *metrics.Collector.
type Recorder interface {
	RecordFetch(ok bool)
	RecordChange()
	RecordInterval(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordFetch(bool)             {}
func (nopRecorder) RecordChange()                {}
func (nopRecorder) RecordInterval(time.Duration) {}

// Change 快照變化通知
type Change struct {
	Previous          types.ResourceSnapshot
	Current           types.ResourceSnapshot
	TitleChanged      bool
	PriceChanged      bool
	TargetTimeChanged bool
	DetectedAt        time.Time
}

// Config 監控參數
type Config struct {
	Platform        string
	Target          string        // passed verbatim to Fetcher
	RetryCount      int           // fetch attempts per cycle (default 3)
	RetryInterval   time.Duration // fixed pause between attempts
	SkipFetchWindow time.Duration // no fetch at or below this (default 10s)
	ForceSyncWindow time.Duration // forced resync below this (default 600s)
}

func (c Config) withDefaults() Config {
	if c.RetryCount < 1 {
		c.RetryCount = 3
	}
	if c.RetryInterval < 0 {
		c.RetryInterval = 0
	}
	if c.SkipFetchWindow <= 0 {
		c.SkipFetchWindow = 10 * time.Second
	}
	if c.ForceSyncWindow <= 0 {
		c.ForceSyncWindow = 600 * time.Second
	}
	return c
}

// Option customizes a Loop.
type Option func(*Loop)

// WithChangeHandler registers the callback invoked on every detected change.
// It runs on the loop goroutine and must not block.
func WithChangeHandler(fn func(Change)) Option { return func(l *Loop) { l.onChange = fn } }

// WithLogger sets the logger.
func WithLogger(lg zerolog.Logger) Option { return func(l *Loop) { l.logger = lg } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(l *Loop) { l.recorder = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// WithTimer replaces time.After for the inter-cycle sleep.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(l *Loop) { l.after = after }
}

// WithRandom replaces the interval jitter source; fn must return [0, 1).
func WithRandom(fn func() float64) Option { return func(l *Loop) { l.rnd = fn } }

// Loop 監控循環
type Loop struct {
	cfg      Config
	fetcher  Fetcher
	clock    Clock
	onChange func(Change)
	logger   zerolog.Logger
	recorder Recorder
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	rnd      func() float64
	throttle countdown.Throttle

	mu       sync.RWMutex
	state    State
	snapshot types.ResourceSnapshot
	offset   float64
	cycles   int
	err      error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop 建立監控循環（狀態 Idle）
func NewLoop(cfg Config, fetcher Fetcher, clock Clock, opts ...Option) *Loop {
	l := &Loop{
		cfg:      cfg.withDefaults(),
		fetcher:  fetcher,
		clock:    clock,
		onChange: func(Change) {},
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		now:      time.Now,
		after:    time.After,
		rnd:      rand.Float64,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start validates the initial snapshot and launches the loop goroutine.
func (l *Loop) Start(ctx context.Context, initial types.ResourceSnapshot) error {
	if err := initial.Validate(); err != nil {
		return err
	}

	if l.State() != StateIdle {
		return ErrAlreadyStarted
	}
	offset := l.clock.GetOffset(ctx, l.cfg.Platform, false)

	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.offset = offset
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.snapshot = initial
	l.state = StateMonitoring
	l.mu.Unlock()

	l.logger.Info().Str("title", initial.Title).Str("target_time", initial.TargetTime).
		Msg("monitoring started")

	go l.run(runCtx)
	return nil
}

// Stop requests termination; the loop observes it no later than the end of its current sleep.
// Use Done() to wait.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	if l.state == StateIdle {
		l.state = StateStopped
		close(l.done)
	}
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Err returns the fatal error after the loop failed, nil otherwise.
func (l *Loop) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Snapshot returns the currently held snapshot.
func (l *Loop) Snapshot() types.ResourceSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Cycles returns the number of completed cycles.
func (l *Loop) Cycles() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cycles
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for {
		if ctx.Err() != nil {
			l.finish(StateStopped, nil)
			return
		}

		interval, err := l.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.finish(StateStopped, nil)
			} else {
				l.finish(StateFailed, err)
			}
			return
		}

		select {
		case <-ctx.Done():
			l.finish(StateStopped, nil)
			return
		case <-l.after(interval):
		}
	}
}

// cycle runs one iteration and returns how long to sleep before the next.
func (l *Loop) cycle(ctx context.Context) (time.Duration, error) {
	l.mu.RLock()
	held := l.snapshot
	offset := l.offset
	l.mu.RUnlock()

	timeToTarget := held.TargetTimestamp - (types.EpochSeconds(l.now()) + offset)
	interval := NextInterval(timeToTarget, l.rnd)

	offset = l.clock.GetOffset(ctx, l.cfg.Platform, timeToTarget < l.cfg.ForceSyncWindow.Seconds())

	state := StateUnchanged
	if timeToTarget > l.cfg.SkipFetchWindow.Seconds() {
		policy := RetryPolicy{Attempts: l.cfg.RetryCount, Pause: l.cfg.RetryInterval}
		fresh, err := FetchValidated(ctx, l.fetcher, l.cfg.Target, policy, l.logger)
		if err != nil {
			l.recorder.RecordFetch(false)
			return 0, err
		}
		l.recorder.RecordFetch(true)

		if fresh.DiffersFrom(held) {
			state = StateUpdated
			l.report(held, fresh)
		}
		held = fresh
	}

	l.mu.Lock()
	l.snapshot = held
	l.offset = offset
	l.state = state
	l.cycles++
	l.mu.Unlock()

	if l.throttle.Allow(timeToTarget, l.now()) {
		l.logger.Info().Str("title", held.Title).Float64("seconds_left", timeToTarget).
			Float64("offset", offset).Msg(countdown.Format(timeToTarget))
	}

	l.recorder.RecordInterval(interval)
	return interval, nil
}

func (l *Loop) report(previous, current types.ResourceSnapshot) {
	change := Change{
		Previous:          previous,
		Current:           current,
		TitleChanged:      previous.Title != current.Title,
		PriceChanged:      !previous.PriceInfo.Equal(current.PriceInfo),
		TargetTimeChanged: previous.TargetTime != current.TargetTime,
		DetectedAt:        l.now(),
	}
	l.recorder.RecordChange()

	l.logger.Info().Bool("title", change.TitleChanged).Bool("price", change.PriceChanged).
		Str("price_info", current.PriceInfo.String()).Msg("snapshot changed")
	if change.TargetTimeChanged {
		l.logger.Warn().Str("previous", previous.TargetTime).Str("current", current.TargetTime).
			Msg("target time changed, deadline must be reconsidered")
	}

	l.onChange(change)
}

func (l *Loop) finish(state State, err error) {
	l.mu.Lock()
	l.state = state
	l.err = err
	l.mu.Unlock()

	if err != nil {
		l.logger.Error().Err(err).Msg("monitoring failed")
		return
	}
	l.logger.Info().Int("cycles", l.Cycles()).Msg("monitoring stopped")
}
