package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// Fetcher 外部抓取器，必須可重複呼叫
type Fetcher interface {
	FetchSnapshot(ctx context.Context, target string) (types.ResourceSnapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, target string) (types.ResourceSnapshot, error)

func (f FetcherFunc) FetchSnapshot(ctx context.Context, target string) (types.ResourceSnapshot, error) {
	return f(ctx, target)
}

// RetryPolicy 抓取重試策略（固定間隔）
type RetryPolicy struct {
	Attempts int
	Pause    time.Duration
}

// FetchValidated fetches and validates a snapshot, retrying on transport or
// validation failure. Exhaustion returns *ExhaustedError; a cancelled ctx
// returns ctx.Err() unwrapped.
func FetchValidated(ctx context.Context, f Fetcher, target string, policy RetryPolicy, logger zerolog.Logger) (types.ResourceSnapshot, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		snap, err := f.FetchSnapshot(ctx, target)
		if err == nil {
			err = snap.Validate()
		}
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return types.ResourceSnapshot{}, ctx.Err()
		}

		last = err
		logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).
			Str("target", target).Msg("snapshot fetch failed")

		if attempt == attempts {
			break
		}
		if policy.Pause > 0 {
			timer := time.NewTimer(policy.Pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return types.ResourceSnapshot{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return types.ResourceSnapshot{}, &ExhaustedError{Attempts: attempts, Last: last}
}
