package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify the arm/release gate, single-shot attempts, timeouts,
//          panic recovery and stop-before-release
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

func collect(t *testing.T, sink <-chan types.SubmitOutcome, n int) []types.SubmitOutcome {
	t.Helper()
	out := make([]types.SubmitOutcome, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case o := <-sink:
			out = append(out, o)
		case <-timeout:
			t.Fatalf("received %d of %d outcomes", len(out), n)
		}
	}
	return out
}

func echo(text string) SubmitFunc {
	return func(ctx context.Context, payload types.Payload) (string, error) {
		return text, nil
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.False(t, pool.IsReleased())

	assert.Equal(t, 1, NewPool(0).size, "at least one worker")
}

// TestPoolStart tests arming Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(8)
	sink := make(chan types.SubmitOutcome, 8)

	require.NoError(t, pool.Start(sink))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.ErrorIs(t, pool.Start(sink), ErrPoolStarted)

	pool.Stop()
}

// TestReleaseNotStarted tests releasing before Start
func TestReleaseNotStarted(t *testing.T) {
	pool := NewPool(2)
	_, err := pool.Release(Task{Submit: echo("x"), Timeout: time.Second})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// TestNoSubmitBeforeRelease tests that armed workers do not call submit
func TestNoSubmitBeforeRelease(t *testing.T) {
	var calls atomic.Int32
	submit := func(ctx context.Context, payload types.Payload) (string, error) {
		calls.Add(1)
		return "ok", nil
	}

	pool := NewPool(5)
	sink := make(chan types.SubmitOutcome, 5)
	require.NoError(t, pool.Start(sink))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	firedAt, err := pool.Release(Task{Submit: submit, Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, firedAt.IsZero())

	outcomes := collect(t, sink, 5)
	pool.Wait()
	assert.Equal(t, int32(5), calls.Load())
	assert.Len(t, outcomes, 5)
}

// TestExactlyOneAttemptPerWorker tests worker ids and attempt count
func TestExactlyOneAttemptPerWorker(t *testing.T) {
	const n = 20
	pool := NewPool(n)
	sink := make(chan types.SubmitOutcome, n)
	require.NoError(t, pool.Start(sink))

	_, err := pool.Release(Task{Submit: echo("ok"), Payload: types.Payload{"sku": "1"}, Timeout: time.Second})
	require.NoError(t, err)
	pool.Wait()

	close(sink)
	seen := make(map[int]int)
	for o := range sink {
		seen[o.WorkerID]++
		assert.Equal(t, "ok", o.ResponseText)
		assert.False(t, o.Failed())
		assert.False(t, o.ReceivedAt.Before(o.StartedAt))
	}
	assert.Len(t, seen, n)
	for id := 1; id <= n; id++ {
		assert.Equal(t, 1, seen[id], "worker %d", id)
	}
}

// TestReleaseTwice tests the release gate is one-shot
func TestReleaseTwice(t *testing.T) {
	pool := NewPool(2)
	sink := make(chan types.SubmitOutcome, 2)
	require.NoError(t, pool.Start(sink))

	_, err := pool.Release(Task{Submit: echo("a"), Timeout: time.Second})
	require.NoError(t, err)
	_, err = pool.Release(Task{Submit: echo("b"), Timeout: time.Second})
	assert.ErrorIs(t, err, ErrAlreadyReleased)

	pool.Wait()
	assert.Len(t, collect(t, sink, 2), 2)
}

// ============================================================================
// Failure Tests
// ============================================================================

// TestTimeout tests submit timeout mechanism
func TestTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := func(ctx context.Context, payload types.Payload) (string, error) {
		<-block // ignores ctx on purpose
		return "late", nil
	}

	pool := NewPool(3)
	sink := make(chan types.SubmitOutcome, 3)
	require.NoError(t, pool.Start(sink))

	start := time.Now()
	_, err := pool.Release(Task{Submit: slow, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	outcomes := collect(t, sink, 3)
	assert.Less(t, time.Since(start), time.Second)
	for _, o := range outcomes {
		assert.True(t, o.Failed())
		assert.Contains(t, o.Error, ErrSubmitTimeout.Error())
		assert.Empty(t, o.ResponseText)
	}
}

// TestContextAwareSubmitTimeout tests a submit that honors ctx
func TestContextAwareSubmitTimeout(t *testing.T) {
	polite := func(ctx context.Context, payload types.Payload) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	pool := NewPool(1)
	sink := make(chan types.SubmitOutcome, 1)
	require.NoError(t, pool.Start(sink))
	_, err := pool.Release(Task{Submit: polite, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	o := collect(t, sink, 1)[0]
	assert.Contains(t, o.Error, ErrSubmitTimeout.Error())
}

// TestTransportError tests submit errors are captured in outcomes
func TestTransportError(t *testing.T) {
	failing := func(ctx context.Context, payload types.Payload) (string, error) {
		return "", errors.New("connection reset by peer")
	}

	pool := NewPool(4)
	sink := make(chan types.SubmitOutcome, 4)
	require.NoError(t, pool.Start(sink))
	_, err := pool.Release(Task{Submit: failing, Timeout: time.Second})
	require.NoError(t, err)

	for _, o := range collect(t, sink, 4) {
		assert.Equal(t, "connection reset by peer", o.Error)
	}
}

// TestPanicRecovery tests a panicking submit still yields an outcome
func TestPanicRecovery(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, payload types.Payload) (string, error) {
		if calls.Add(1)%2 == 0 {
			panic("nil map write")
		}
		return "ok", nil
	}

	pool := NewPool(6)
	sink := make(chan types.SubmitOutcome, 6)
	require.NoError(t, pool.Start(sink))
	_, err := pool.Release(Task{Submit: flaky, Timeout: time.Second})
	require.NoError(t, err)

	panics := 0
	for _, o := range collect(t, sink, 6) {
		if o.Failed() {
			assert.Contains(t, o.Error, ErrSubmitPanic.Error())
			panics++
		}
	}
	assert.Equal(t, 3, panics)
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestStopBeforeRelease tests armed workers exit without submitting
func TestStopBeforeRelease(t *testing.T) {
	var calls atomic.Int32
	submit := func(ctx context.Context, payload types.Payload) (string, error) {
		calls.Add(1)
		return "ok", nil
	}

	before := runtime.NumGoroutine()
	pool := NewPool(50)
	sink := make(chan types.SubmitOutcome, 50)
	require.NoError(t, pool.Start(sink))

	pool.Stop()
	pool.Stop() // idempotent

	assert.Equal(t, int32(0), calls.Load())
	assert.Len(t, sink, 0)

	_, err := pool.Release(Task{Submit: submit, Timeout: time.Second})
	assert.ErrorIs(t, err, ErrPoolClosed)

	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+2, "workers must exit")
}

// TestStopAfterReleaseWaits tests Stop after release waits for every outcome
func TestStopAfterReleaseWaits(t *testing.T) {
	slow := func(ctx context.Context, payload types.Payload) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return fmt.Sprint(payload["n"]), nil
	}

	pool := NewPool(4)
	sink := make(chan types.SubmitOutcome, 4)
	require.NoError(t, pool.Start(sink))
	_, err := pool.Release(Task{Submit: slow, Payload: types.Payload{"n": "7"}, Timeout: time.Second})
	require.NoError(t, err)

	pool.Stop()
	assert.Len(t, sink, 4, "all outcomes delivered before Stop returns")
}
