package clocksync

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced local clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// skewedSource reports the fake clock shifted by skew, failing while fail is set.
type skewedSource struct {
	clock *fakeClock
	skew  time.Duration
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *skewedSource) ServerTime(ctx context.Context, platform string) (time.Time, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return time.Time{}, errors.New("connection refused")
	}
	return s.clock.Now().Add(s.skew), nil
}

type recordedSync struct {
	platform string
	ok       bool
	offset   float64
}

type fakeRecorder struct {
	mu    sync.Mutex
	syncs []recordedSync
}

func (r *fakeRecorder) RecordClockSync(platform string, ok bool, offset float64) {
	r.mu.Lock()
	r.syncs = append(r.syncs, recordedSync{platform, ok, offset})
	r.mu.Unlock()
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestSyncer(skew time.Duration) (*Syncer, *skewedSource, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 11, 11, 0, 0, 0, 0, time.UTC)}
	src := &skewedSource{clock: clock, skew: skew}
	s := New(Config{SyncInterval: 300 * time.Second, Retries: 3, RetryPause: time.Second},
		src, WithClock(clock.Now), WithSleep(noSleep))
	return s, src, clock
}

func TestGetOffsetComputesServerMinusLocal(t *testing.T) {
	s, _, _ := newTestSyncer(1500 * time.Millisecond)

	offset := s.GetOffset(context.Background(), "taobao", false)
	assert.InDelta(t, 1.5, offset, 1e-9)

	entry := s.Offset("TaoBao")
	assert.Equal(t, "taobao", entry.Platform)
	assert.False(t, entry.LastSyncAt.IsZero())
}

func TestGetOffsetServesCacheWithinInterval(t *testing.T) {
	s, src, clock := newTestSyncer(-2 * time.Second)

	first := s.GetOffset(context.Background(), "jd", false)
	clock.Advance(10 * time.Second)
	second := s.GetOffset(context.Background(), "jd", false)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load(), "second call must not touch the network")
}

func TestGetOffsetResyncsAfterInterval(t *testing.T) {
	s, src, clock := newTestSyncer(time.Second)

	s.GetOffset(context.Background(), "jd", false)
	clock.Advance(301 * time.Second)
	s.GetOffset(context.Background(), "jd", false)

	assert.Equal(t, int32(2), src.calls.Load())
}

func TestGetOffsetForceAlwaysSyncs(t *testing.T) {
	s, src, _ := newTestSyncer(time.Second)

	s.GetOffset(context.Background(), "taobao", false)
	s.GetOffset(context.Background(), "taobao", true)
	s.GetOffset(context.Background(), "taobao", true)

	assert.Equal(t, int32(3), src.calls.Load())
}

func TestGetOffsetFailureBeforeFirstSuccessReturnsZero(t *testing.T) {
	s, src, _ := newTestSyncer(time.Second)
	src.fail.Store(true)

	offset := s.GetOffset(context.Background(), "taobao", false)

	assert.Equal(t, 0.0, offset)
	assert.Equal(t, int32(3), src.calls.Load(), "three attempts before giving up")
	assert.True(t, s.Offset("taobao").LastSyncAt.IsZero())
}

func TestGetOffsetFailureKeepsPreviousEntry(t *testing.T) {
	s, src, clock := newTestSyncer(750 * time.Millisecond)

	require.InDelta(t, 0.75, s.GetOffset(context.Background(), "jd", false), 1e-9)
	before := s.Offset("jd").LastSyncAt

	src.fail.Store(true)
	clock.Advance(time.Minute)
	offset := s.GetOffset(context.Background(), "jd", true)

	assert.InDelta(t, 0.75, offset, 1e-9)
	assert.Equal(t, before, s.Offset("jd").LastSyncAt, "failed sync must not refresh the timestamp")
}

func TestGetOffsetRecordsMetrics(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	src := &skewedSource{clock: clock, skew: time.Second}
	rec := &fakeRecorder{}
	s := New(Config{Retries: 1}, src, WithClock(clock.Now), WithSleep(noSleep), WithRecorder(rec))

	s.GetOffset(context.Background(), "jd", false)
	src.fail.Store(true)
	s.GetOffset(context.Background(), "jd", true)

	require.Len(t, rec.syncs, 2)
	assert.True(t, rec.syncs[0].ok)
	assert.False(t, rec.syncs[1].ok)
	assert.InDelta(t, 1.0, rec.syncs[1].offset, 1e-9)
}

func TestConcurrentGetOffsetIsSafe(t *testing.T) {
	s, _, _ := newTestSyncer(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(force bool) {
			defer wg.Done()
			offset := s.GetOffset(context.Background(), "taobao", force)
			assert.InDelta(t, 1.0, offset, 1e-9)
		}(i%5 == 0)
	}
	wg.Wait()
}

func TestGetServerTime(t *testing.T) {
	s, src, clock := newTestSyncer(3 * time.Second)

	server, ok := s.GetServerTime(context.Background(), "taobao")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(3*time.Second).Unix(), server.Unix())
	_, zoneOffset := server.Zone()
	assert.Equal(t, 8*3600, zoneOffset, "reported in the default UTC+8 zone")

	src.fail.Store(true)
	_, ok = s.GetServerTime(context.Background(), "taobao")
	assert.False(t, ok)
}

func TestRetryPausesBetweenAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	src := &skewedSource{clock: clock}
	src.fail.Store(true)

	var pauses []time.Duration
	s := New(Config{Retries: 3, RetryPause: time.Second}, src,
		WithClock(clock.Now),
		WithSleep(func(_ context.Context, d time.Duration) error {
			pauses = append(pauses, d)
			return nil
		}))

	s.GetOffset(context.Background(), "jd", false)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, pauses)
}

func TestUnknownPlatformIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	src := TimeSourceFunc(func(ctx context.Context, platform string) (time.Time, error) {
		calls.Add(1)
		return time.Time{}, ErrUnknownPlatform
	})
	s := New(Config{Retries: 3}, src, WithSleep(noSleep))

	assert.Equal(t, 0.0, s.GetOffset(context.Background(), "nowhere", false))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOffsetUsesRoundTripMidpoint(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	// server stamps its time on arrival, then the reply takes 400ms to come back
	src := TimeSourceFunc(func(ctx context.Context, _ string) (time.Time, error) {
		server := clock.Now().Add(time.Second)
		clock.Advance(400 * time.Millisecond)
		return server, nil
	})
	s := New(Config{Retries: 1}, src, WithClock(clock.Now), WithSleep(noSleep))

	assert.InDelta(t, 0.8, s.GetOffset(context.Background(), "taobao", false), 1e-9)
}

func TestSyncSurvivesCallerCancellation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var sawCancel atomic.Bool
	src := TimeSourceFunc(func(ctx context.Context, _ string) (time.Time, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		if err := ctx.Err(); err != nil {
			sawCancel.Store(true)
			return time.Time{}, err
		}
		return clock.Now().Add(time.Second), nil
	})
	s := New(Config{Retries: 1}, src, WithClock(clock.Now), WithSleep(noSleep))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan float64, 1)
	go func() { first <- s.GetOffset(ctx, "taobao", true) }()
	<-entered

	second := make(chan float64, 1)
	go func() { second <- s.GetOffset(context.Background(), "taobao", true) }()

	cancel()
	select {
	case offset := <-first:
		assert.Equal(t, 0.0, offset, "cancelled caller gets the cached offset")
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller stayed blocked on the shared sync")
	}

	close(release)
	assert.InDelta(t, 1.0, <-second, 1e-9)
	assert.False(t, sawCancel.Load(), "shared sync ran under the cancelled context")
	assert.InDelta(t, 1.0, s.Offset("taobao").OffsetSeconds, 1e-9)
}

func TestSyncIsBoundedByTimeout(t *testing.T) {
	src := TimeSourceFunc(func(ctx context.Context, _ string) (time.Time, error) {
		<-ctx.Done()
		return time.Time{}, ctx.Err()
	})
	s := New(Config{Retries: 1, SyncTimeout: 50 * time.Millisecond}, src)

	done := make(chan float64, 1)
	go func() { done <- s.GetOffset(context.Background(), "taobao", true) }()

	select {
	case offset := <-done:
		assert.Equal(t, 0.0, offset)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not honor SyncTimeout")
	}
}

func TestNowAppliesCachedOffset(t *testing.T) {
	s, _, clock := newTestSyncer(2 * time.Second)
	s.GetOffset(context.Background(), "taobao", false)

	assert.Equal(t, clock.Now().Add(2*time.Second), s.Now("taobao"))
	assert.Equal(t, clock.Now(), s.Now("jd"), "unsynced platform uses zero offset")
}

// fakeDoer answers every request with a fixed Date header.
type fakeDoer struct {
	date string
	err  error
	last *http.Request
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.last = req
	if d.err != nil {
		return nil, d.err
	}
	h := http.Header{}
	if d.date != "" {
		h.Set("Date", d.date)
	}
	return &http.Response{StatusCode: 200, Header: h, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func TestHTTPTimeSource(t *testing.T) {
	doer := &fakeDoer{date: "Tue, 11 Nov 2025 03:04:05 GMT"}
	src := NewHTTPTimeSource(doer, map[string]string{"TaoBao": "https://www.taobao.com"}, "sniper-test")

	got, err := src.ServerTime(context.Background(), "taobao")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 11, 11, 3, 4, 5, 0, time.UTC)), "got %s", got)
	assert.Equal(t, "sniper-test", doer.last.Header.Get("User-Agent"))
	assert.Equal(t, "www.taobao.com", doer.last.URL.Host)
}

func TestHTTPTimeSourceErrors(t *testing.T) {
	src := NewHTTPTimeSource(&fakeDoer{}, map[string]string{"jd": "https://www.jd.com"}, "")

	_, err := src.ServerTime(context.Background(), "jd")
	assert.ErrorIs(t, err, ErrNoDateHeader)

	_, err = src.ServerTime(context.Background(), "amazon")
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	failing := NewHTTPTimeSource(&fakeDoer{err: errors.New("dial tcp: timeout")},
		map[string]string{"jd": "https://www.jd.com"}, "")
	_, err = failing.ServerTime(context.Background(), "jd")
	assert.Error(t, err)
}

func TestParseDateHeader(t *testing.T) {
	_, err := ParseDateHeader("yesterday")
	assert.ErrorIs(t, err, ErrNoDateHeader)

	got, err := ParseDateHeader(" Mon, 02 Jan 2006 15:04:05 GMT ")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())
}
