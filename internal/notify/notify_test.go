package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

type recordingNotifier struct {
	got []types.RunReport
	err error
}

func (r *recordingNotifier) Publish(_ context.Context, rep types.RunReport) error {
	r.got = append(r.got, rep)
	return r.err
}

func successReport() types.RunReport {
	winner := types.SubmitOutcome{WorkerID: 3}
	return types.RunReport{
		RunID:    "run-9",
		Platform: "jd",
		Result: &types.DispatchResult{
			Success:        true,
			WinningOutcome: &winner,
			AllOutcomes:    []types.SubmitOutcome{winner, {WorkerID: 1, Error: "boom"}},
		},
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

// ============================================================================
// LogNotifier
// ============================================================================

func TestLogNotifierSuccess(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	require.NoError(t, n.Publish(context.Background(), successReport()))

	line := decodeLine(t, &buf)
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "run-9", line["run_id"])
	assert.Equal(t, true, line["success"])
	assert.Equal(t, float64(3), line["winner"])
	assert.Equal(t, float64(2), line["outcomes"])
	assert.Equal(t, float64(1), line["failed"])
}

func TestLogNotifierFailureIsWarning(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	require.NoError(t, n.Publish(context.Background(), types.RunReport{RunID: "r", Error: "cancelled"}))

	line := decodeLine(t, &buf)
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "cancelled", line["error"])
	assert.NotContains(t, line, "success")
}

// ============================================================================
// Multi
// ============================================================================

func TestMultiTriesEveryNotifier(t *testing.T) {
	errA := errors.New("a down")
	a := &recordingNotifier{err: errA}
	b := &recordingNotifier{}

	err := Multi{a, nil, b}.Publish(context.Background(), successReport())
	assert.ErrorIs(t, err, errA)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)

	assert.NoError(t, Multi{b}.Publish(context.Background(), successReport()))
	assert.NoError(t, Multi(nil).Publish(context.Background(), successReport()))
}

// ============================================================================
// RedisNotifier
// ============================================================================

func unreachableOptions() RedisOptions {
	opts := DefaultRedisOptions()
	opts.Addr = "127.0.0.1:1"
	opts.DialTimeout = 200 * time.Millisecond
	return opts
}

func TestNewRedisNotifierUnreachable(t *testing.T) {
	n, err := NewRedisNotifier(context.Background(), unreachableOptions(), zerolog.Nop())
	assert.Nil(t, n)
	assert.ErrorIs(t, err, ErrRedisUnavailable)
}

func TestRedisNotifierPublishError(t *testing.T) {
	opts := unreachableOptions()
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, DialTimeout: opts.DialTimeout, MaxRetries: -1})
	n := newRedisNotifier(client, opts, zerolog.Nop())
	defer n.Close()

	err := n.Publish(context.Background(), successReport())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "run-9")
}

func TestRedisNotifierKey(t *testing.T) {
	n := newRedisNotifier(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), DefaultRedisOptions(), zerolog.Nop())
	defer n.Close()
	assert.Equal(t, "sniper:results:run-9", n.Key("run-9"))
}
