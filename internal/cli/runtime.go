package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/internal/clocksync"
	"github.com/ChuLiYu/sale-sniper/internal/config"
	"github.com/ChuLiYu/sale-sniper/internal/dispatch"
	"github.com/ChuLiYu/sale-sniper/internal/httpclient"
	"github.com/ChuLiYu/sale-sniper/internal/metrics"
	"github.com/ChuLiYu/sale-sniper/internal/monitor"
	"github.com/ChuLiYu/sale-sniper/internal/notify"
	"github.com/ChuLiYu/sale-sniper/internal/report"
	"github.com/ChuLiYu/sale-sniper/internal/sniper"
	"github.com/ChuLiYu/sale-sniper/internal/storage/journal"
	"github.com/ChuLiYu/sale-sniper/internal/target"
	"github.com/ChuLiYu/sale-sniper/internal/worker"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// runtime holds every component built from one configuration.
type runtime struct {
	cfg     *config.Config
	logger  zerolog.Logger
	zone    *time.Location
	metrics *metrics.Collector

	syncer   *clocksync.Syncer
	browse   httpclient.Doer
	engine   *dispatch.Engine
	submit   worker.SubmitFunc
	journal  *journal.Journal
	reports  *report.Store
	notifier notify.Notifier

	closers []func() error
}

// newRuntime wires the HTTP stack, the clock, the target adapters and storage.
// The journal is only opened when withJournal is set.
func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withJournal bool) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		zone:    cfg.Clock.ReportZone(),
		metrics: metrics.NewCollector(prometheus.NewRegistry()),
		reports: report.NewStore(cfg.Storage.ReportPath),
	}

	factory, err := httpclient.NewFactory(httpclient.Options{
		Profile:        cfg.HTTP.Profile,
		TimeoutSeconds: cfg.HTTP.TimeoutSeconds,
		Proxies:        cfg.HTTP.Proxies,
	})
	if err != nil {
		return nil, err
	}
	browseClient, err := factory.New()
	if err != nil {
		return nil, err
	}
	submitClient, err := factory.New()
	if err != nil {
		return nil, err
	}
	if browseClient.ProxyURL != "" {
		logger.Info().Str("proxy", browseClient.ProxyURL).
			Int("usable_proxies", len(factory.Proxies())).Msg("browsing through proxy")
	}

	source := clocksync.NewHTTPTimeSource(browseClient, cfg.Clock.Endpoints, cfg.HTTP.UserAgent)
	rt.syncer = clocksync.New(clocksync.Config{
		SyncInterval: cfg.Clock.SyncInterval,
		Retries:      cfg.Clock.Retries,
		RetryPause:   cfg.Clock.RetryPause,
		ReportZone:   rt.zone,
	}, source, clocksync.WithLogger(logger), clocksync.WithRecorder(rt.metrics))

	rt.browse = browseClient

	submitter := target.NewHTTPSubmitter(submitClient, target.SubmitterOptions{
		URL:       cfg.Dispatch.SubmitURL,
		Cookie:    cfg.Target.Cookie,
		UserAgent: cfg.HTTP.UserAgent,
		Headers:   cfg.Dispatch.Headers,
	})
	rt.submit = submitter.Submit

	rt.engine = dispatch.NewEngine(dispatch.Config{
		Platform:      cfg.Platform,
		SubmitTimeout: cfg.Dispatch.SubmitTimeout,
		SpinWindow:    cfg.Dispatch.SpinWindow,
		PollInterval:  cfg.Dispatch.PollInterval,
		SuccessMarker: cfg.Dispatch.SuccessMarker,
	}, rt.syncer,
		dispatch.WithLogger(logger),
		dispatch.WithRecorder(rt.metrics),
		dispatch.WithFirstSuccess(func(o types.SubmitOutcome) {
			logger.Info().Int("worker_id", o.WorkerID).Dur("latency", o.Latency).Msg("order accepted")
		}),
	)

	if withJournal {
		j, err := journal.Open(cfg.Storage.JournalPath, cfg.Storage.SyncOnWrite)
		if err != nil {
			return nil, err
		}
		rt.journal = j
		rt.closers = append(rt.closers, j.Close)
	}

	rt.notifier = rt.buildNotifier(ctx)
	return rt, nil
}

// buildNotifier always logs; Redis is added when enabled and reachable.
func (rt *runtime) buildNotifier(ctx context.Context) notify.Notifier {
	chain := notify.Multi{notify.NewLogNotifier(rt.logger)}
	redisCfg := rt.cfg.Notify.Redis
	if !redisCfg.Enabled {
		return chain
	}

	opts := notify.DefaultRedisOptions()
	opts.Addr = redisCfg.Addr
	opts.Password = redisCfg.Password
	opts.DB = redisCfg.DB
	if redisCfg.Channel != "" {
		opts.Channel = redisCfg.Channel
	}
	opts.ResultTTL = redisCfg.ResultTTL

	rn, err := notify.NewRedisNotifier(ctx, opts, rt.logger)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("redis notifier disabled")
		return chain
	}
	rt.closers = append(rt.closers, rn.Close)
	return append(chain, rn)
}

// buildFetcher reads the snapshot endpoint when configured, otherwise serves
// the title and target time from the config file.
func (rt *runtime) buildFetcher() (monitor.Fetcher, error) {
	cfg := rt.cfg
	if cfg.Target.SnapshotURL != "" {
		return target.NewHTTPFetcher(rt.browse, target.FetcherOptions{
			Zone:              rt.zone,
			DefaultTargetTime: cfg.Target.DefaultTargetTime,
			UserAgent:         cfg.HTTP.UserAgent,
			Cookie:            cfg.Target.Cookie,
			Logger:            rt.logger,
		}), nil
	}
	static, err := target.NewStaticFetcher(cfg.Target.Title, cfg.Target.DefaultTargetTime, rt.zone, time.Now())
	if err != nil {
		return nil, fmt.Errorf("static target: %w", err)
	}
	return static, nil
}

// newSniper builds the orchestrator for one run.
func (rt *runtime) newSniper() (*sniper.Sniper, error) {
	cfg := rt.cfg
	fetcher, err := rt.buildFetcher()
	if err != nil {
		return nil, err
	}
	payload, err := orderPayload(cfg)
	if err != nil {
		return nil, err
	}
	targetRef := cfg.Target.SnapshotURL
	if targetRef == "" {
		targetRef = cfg.Target.URL
	}

	opts := []sniper.Option{
		sniper.WithLogger(rt.logger),
		sniper.WithReports(rt.reports),
		sniper.WithNotifier(rt.notifier),
		sniper.WithMonitorOptions(monitor.WithRecorder(rt.metrics)),
	}
	if rt.journal != nil {
		opts = append(opts, sniper.WithJournal(rt.journal))
	}

	return sniper.New(sniper.Config{
		Platform:    cfg.Platform,
		Target:      targetRef,
		WorkerCount: cfg.Dispatch.WorkerCount,
		Advance:     cfg.Dispatch.Advance,
		Payload:     payload,
		Monitor: monitor.Config{
			RetryCount:      cfg.Monitor.RetryCount,
			RetryInterval:   cfg.Monitor.RetryInterval,
			SkipFetchWindow: cfg.Monitor.SkipFetchWindow,
			ForceSyncWindow: cfg.Monitor.ForceSyncWindow,
		},
		AbortOnFailure: cfg.Monitor.AbortOnFailure,
	}, rt.syncer, fetcher, rt.engine, rt.submit, opts...), nil
}

// orderPayload derives the order fields from target.url and layers dispatch.form on top.
func orderPayload(cfg *config.Config) (types.Payload, error) {
	payload, err := target.OrderPayload(cfg.Target.URL, cfg.Dispatch.Quantity, cfg.Dispatch.Form)
	if err != nil {
		return nil, fmt.Errorf("order payload: %w", err)
	}
	return payload, nil
}

// serveMetrics starts the /metrics endpoint when enabled; it stops with ctx.
func (rt *runtime) serveMetrics(ctx context.Context) {
	if !rt.cfg.Metrics.Enabled {
		return
	}
	go func() {
		rt.logger.Info().Int("port", rt.cfg.Metrics.Port).Msg("metrics server started")
		if err := rt.metrics.Serve(ctx, rt.cfg.Metrics.Port); err != nil {
			rt.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn().Err(err).Msg("close failed")
		}
	}
}
