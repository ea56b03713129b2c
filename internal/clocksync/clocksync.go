// ============================================================================
// Sale-Sniper ClockSync - 平台權威時間偏移
// ============================================================================
//
// Package: internal/clocksync
// File: clocksync.go
// Purpose: Keep a cached offset between the local clock and each platform's
//          authoritative clock. Every timing decision in the sniper goes
//          through here.
//
// Offset:
//   localMid = request start + round trip / 2
//   offset = serverTime - localMid
//   corrected now = local now + offset
//
// Caching:
//   - One entry per platform.
//   - GetOffset(force=false) returns the cached entry while it is younger
//     than SyncInterval, without touching the network.
//   - GetOffset(force=true) always attempts a fresh sync.
//   - A failed sync keeps the previous entry (0.0 before the first success)
//     and does not refresh LastSyncAt, so the next call retries.
//
// Concurrency:
//   Readers take the RWMutex read lock. Syncs for the same platform are
//   collapsed through singleflight, so at most one writer per platform runs
//   at a time and concurrent callers share its result. The shared sync is
//   detached from the caller's cancellation and bounded by SyncTimeout; a
//   cancelled caller returns the cached offset at once.
//
// ============================================================================

package clocksync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// Config controls sync cadence and retry policy.
type Config struct {
	SyncInterval time.Duration  // cache lifetime (default 300s)
	Retries      int            // attempts per sync (default 3)
	RetryPause   time.Duration  // pause between attempts (default 1s)
	ReportZone   *time.Location // zone server times are reported in (default UTC+8)
	SyncTimeout  time.Duration  // bound on one shared sync, all attempts (default 15s)
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 300 * time.Second
	}
	if c.Retries < 1 {
		c.Retries = 3
	}
	if c.RetryPause < 0 {
		c.RetryPause = 0
	}
	if c.ReportZone == nil {
		c.ReportZone = time.FixedZone("UTC+8", 8*3600)
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 15 * time.Second
	}
	return c
}

// Recorder receives sync outcomes; satisfied by *metrics.Collector.
type Recorder interface {
	RecordClockSync(platform string, ok bool, offsetSeconds float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordClockSync(string, bool, float64) {}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Syncer) { s.logger = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(s *Syncer) { s.recorder = r } }

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option { return func(s *Syncer) { s.now = now } }

// WithSleep replaces the retry pause; used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Syncer) { s.sleep = sleep }
}

// Syncer owns the per-platform offset cache.
type Syncer struct {
	cfg      Config
	source   TimeSource
	logger   zerolog.Logger
	recorder Recorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	offsets map[string]types.ClockOffset
	group   singleflight.Group
}

// New creates a Syncer reading authoritative time from source.
func New(cfg Config, source TimeSource, opts ...Option) *Syncer {
	s := &Syncer{
		cfg:      cfg.withDefaults(),
		source:   source,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		now:      time.Now,
		sleep:    sleepContext,
		offsets:  make(map[string]types.ClockOffset),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOffset returns the offset in seconds for platform. It never fails.
func (s *Syncer) GetOffset(ctx context.Context, platform string, forceSync bool) float64 {
	platform = normalize(platform)

	if !forceSync {
		if cached, ok := s.cached(platform); ok && cached.Fresh(s.now(), s.cfg.SyncInterval) {
			return cached.OffsetSeconds
		}
	}

	ch := s.group.DoChan(platform, func() (interface{}, error) {
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SyncTimeout)
		defer cancel()
		return s.sync(syncCtx, platform), nil
	})
	select {
	case res := <-ch:
		return res.Val.(float64)
	case <-ctx.Done():
		// the shared sync keeps running for the other callers
		return s.Offset(platform).OffsetSeconds
	}
}

// Offset returns the cached entry without any network call.
func (s *Syncer) Offset(platform string) types.ClockOffset {
	platform = normalize(platform)
	if cached, ok := s.cached(platform); ok {
		return cached
	}
	return types.ClockOffset{Platform: platform}
}

// Now returns local time corrected by the cached offset.
func (s *Syncer) Now(platform string) time.Time {
	offset := s.Offset(platform).OffsetSeconds
	return s.now().Add(time.Duration(offset * float64(time.Second)))
}

// GetServerTime fetches the platform's time in the report zone; false after retries are exhausted.
func (s *Syncer) GetServerTime(ctx context.Context, platform string) (time.Time, bool) {
	server, _, err := s.fetch(ctx, normalize(platform))
	if err != nil {
		return time.Time{}, false
	}
	return server, true
}

func (s *Syncer) cached(platform string) (types.ClockOffset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offsets[platform]
	return o, ok
}

// sync performs one fetch-with-retry and stores the result. Runs under singleflight.
func (s *Syncer) sync(ctx context.Context, platform string) float64 {
	server, local, err := s.fetch(ctx, platform)
	if err != nil {
		previous := s.Offset(platform).OffsetSeconds
		s.recorder.RecordClockSync(platform, false, previous)
		s.logger.Warn().Err(err).Str("platform", platform).
			Float64("offset", previous).Msg("clock sync failed, using cached offset")
		return previous
	}

	offset := server.Sub(local).Seconds()
	entry := types.ClockOffset{Platform: platform, OffsetSeconds: offset, LastSyncAt: s.now()}

	s.mu.Lock()
	s.offsets[platform] = entry
	s.mu.Unlock()

	s.recorder.RecordClockSync(platform, true, offset)
	s.logger.Debug().Str("platform", platform).
		Str("server_time", server.Format("2006-01-02 15:04:05 MST")).
		Float64("offset", offset).Msg("clock synced")
	return offset
}

// fetch asks the source up to Retries times, pausing RetryPause between attempts.
// It returns the server time and the local midpoint of the successful round trip.
func (s *Syncer) fetch(ctx context.Context, platform string) (time.Time, time.Time, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		start := s.now()
		server, err := s.source.ServerTime(ctx, platform)
		if err == nil {
			rtt := s.now().Sub(start)
			return server.In(s.cfg.ReportZone), start.Add(rtt / 2), nil
		}
		lastErr = err
		s.logger.Debug().Err(err).Str("platform", platform).Int("attempt", attempt).
			Msg("server time request failed")

		if isPermanent(err) || attempt == s.cfg.Retries {
			break
		}
		if err := s.sleep(ctx, s.cfg.RetryPause); err != nil {
			lastErr = err
			break
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("clocksync: %s: %w", platform, lastErr)
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
