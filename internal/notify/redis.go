package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// ErrRedisUnavailable is returned when the initial ping fails.
var ErrRedisUnavailable = errors.New("notify: redis unavailable")

// RedisOptions contains Redis connection configuration.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	Channel   string        // PUBLISH target
	ResultTTL time.Duration // lifetime of the stored result key, 0 keeps it

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisOptions returns default Redis options.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Addr:         "localhost:6379",
		Channel:      "sniper:results",
		ResultTTL:    24 * time.Hour,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisNotifier publishes reports to a Redis channel and stores the latest
// one under "<channel>:<run_id>".
type RedisNotifier struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger zerolog.Logger
}

// NewRedisNotifier connects and pings the server.
func NewRedisNotifier(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisNotifier, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultRedisOptions().Channel
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrRedisUnavailable, opts.Addr, err)
	}

	logger.Info().Str("addr", opts.Addr).Str("channel", opts.Channel).Msg("Redis notifier initialized")
	return newRedisNotifier(client, opts, logger), nil
}

func newRedisNotifier(client redis.UniversalClient, opts RedisOptions, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, opts: opts, logger: logger}
}

// Key returns the key a report for runID is stored under.
func (n *RedisNotifier) Key(runID string) string {
	return n.opts.Channel + ":" + runID
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, report types.RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("notify: marshal report: %w", err)
	}

	_, err = n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, n.Key(report.RunID), payload, n.opts.ResultTTL)
		pipe.Publish(ctx, n.opts.Channel, payload)
		return nil
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("failed to publish result")
		return fmt.Errorf("notify: publish %s: %w", report.RunID, err)
	}

	n.logger.Debug().Str("run_id", report.RunID).Str("channel", n.opts.Channel).Msg("result published")
	return nil
}

// Close releases the connection pool.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
