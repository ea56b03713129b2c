// ============================================================================
// Sale-Sniper 控制器 - 搶購流程協調器
// ============================================================================
//
// Package: internal/sniper
// 文件: sniper.go
// 功能: 協調時鐘同步、監控循環與分派引擎，完成一次搶購
//
// 架構設計:
//   - ClockSync: 平台時間偏移（快取 + 強制同步）
//   - MonitorLoop: 背景刷新商品快照，偵測開售時間變化
//   - DispatchEngine: 在 deadline 精準觸發 N 個並發提交
//   - Journal / Report / Notifier: 記錄與廣播結果
//
// 流程:
//   1. 同步偏移，抓取並驗證初始快照
//   2. 啟動監控循環（獨立 goroutine）
//   3. 以 deadline = target_timestamp - advance 武裝分派
//   4. 開售時間改變且尚未觸發 → 取消並重新武裝
//   5. 觸發後的變化只記錄，不影響本次提交
//   6. 停止監控，寫報告、寫日誌、發送通知
//
//   ┌──────────┐ change ┌──────────┐  rearm  ┌────────────┐
//   │ Monitor  │───────▶│  Sniper  │────────▶│  Dispatch  │
//   └──────────┘        └──────────┘ ◀───────└────────────┘
//                             │        result
//                             ▼
//                  journal / report / notify
//
// 並發安全:
//   - 分派在自己的 goroutine 中等待，監控取消不會被阻塞
//   - 變化回調只做非阻塞的訊號傳遞
//
// ============================================================================

package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/internal/dispatch"
	"github.com/ChuLiYu/sale-sniper/internal/monitor"
	"github.com/ChuLiYu/sale-sniper/internal/storage/journal"
	"github.com/ChuLiYu/sale-sniper/internal/worker"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// ErrAborted 監控失敗且設定為中止
var ErrAborted = errors.New("sniper: aborted after monitoring failure")

// maxJournalText bounds the response text kept per OUTCOME event.
const maxJournalText = 512

// ============================================================================
// 依賴介面
// ============================================================================

// Clock is the slice of clocksync.Syncer the sniper needs.
type Clock interface {
	GetOffset(ctx context.Context, platform string, forceSync bool) float64
	Offset(platform string) types.ClockOffset
}

// Dispatcher is satisfied by *dispatch.Engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, job types.DispatchJob, submit worker.SubmitFunc) (types.DispatchResult, error)
}

// Journal is satisfied by *journal.Journal.
type Journal interface {
	Append(eventType journal.EventType, runID string, data any) error
}

// ReportWriter is satisfied by *report.Store.
type ReportWriter interface {
	Write(rep types.RunReport) error
}

// Notifier is satisfied by the notify package.
type Notifier interface {
	Publish(ctx context.Context, rep types.RunReport) error
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 搶購參數
type Config struct {
	Platform       string
	Target         string
	WorkerCount    int
	Advance        time.Duration // deadline = target_timestamp - Advance
	Payload        types.Payload
	Monitor        monitor.Config // Platform and Target are filled in
	AbortOnFailure bool
	NotifyTimeout  time.Duration // default 5s
}

// Option customizes a Sniper.
type Option func(*Sniper)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Sniper) { s.logger = l } }

// WithJournal records run events.
func WithJournal(j Journal) Option { return func(s *Sniper) { s.journal = j } }

// WithReports persists the final report.
func WithReports(w ReportWriter) Option { return func(s *Sniper) { s.reports = w } }

// WithNotifier broadcasts the final report.
func WithNotifier(n Notifier) Option { return func(s *Sniper) { s.notifier = n } }

// WithMonitorOptions forwards options to the monitor loop.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(s *Sniper) { s.monitorOpts = append(s.monitorOpts, opts...) }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option { return func(s *Sniper) { s.runID = id } }

// Sniper 核心控制器，每個實例執行一次 Run
type Sniper struct {
	cfg         Config
	clock       Clock
	fetcher     monitor.Fetcher
	engine      Dispatcher
	submit      worker.SubmitFunc
	logger      zerolog.Logger
	journal     Journal
	reports     ReportWriter
	notifier    Notifier
	monitorOpts []monitor.Option
	runID       string
	now         func() time.Time

	mu      sync.Mutex
	latest  types.ResourceSnapshot
	changes int
	rearm   chan struct{}
}

// New 建立 Sniper 實例
func New(cfg Config, clock Clock, fetcher monitor.Fetcher, engine Dispatcher, submit worker.SubmitFunc, opts ...Option) *Sniper {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	cfg.Monitor.Platform = cfg.Platform
	cfg.Monitor.Target = cfg.Target

	s := &Sniper{
		cfg:     cfg,
		clock:   clock,
		fetcher: fetcher,
		engine:  engine,
		submit:  submit,
		logger:  zerolog.Nop(),
		now:     time.Now,
		rearm:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	s.logger = s.logger.With().Str("run_id", s.runID).Str("platform", cfg.Platform).Logger()
	return s
}

// RunID returns the id stamped on every journal event and the report.
func (s *Sniper) RunID() string { return s.runID }

// Run executes one attempt and always returns a report. The error is nil
// whenever the dispatch fired, even if no submission was accepted.
func (s *Sniper) Run(ctx context.Context) (types.RunReport, error) {
	rep := types.RunReport{
		RunID:     s.runID,
		Platform:  s.cfg.Platform,
		Target:    s.cfg.Target,
		StartedAt: s.now(),
	}

	offset := s.clock.GetOffset(ctx, s.cfg.Platform, false)
	s.record(journal.EventSync, map[string]float64{"offset": offset})

	policy := monitor.RetryPolicy{Attempts: s.cfg.Monitor.RetryCount, Pause: s.cfg.Monitor.RetryInterval}
	initial, err := monitor.FetchValidated(ctx, s.fetcher, s.cfg.Target, policy, s.logger)
	if err != nil {
		return s.finish(rep, nil, fmt.Errorf("sniper: initial snapshot: %w", err))
	}
	s.record(journal.EventSnapshot, initial)
	s.setLatest(initial)
	rep.Snapshot = initial

	loopOpts := append([]monitor.Option{monitor.WithLogger(s.logger)}, s.monitorOpts...)
	loopOpts = append(loopOpts, monitor.WithChangeHandler(s.onChange))
	loop := monitor.NewLoop(s.cfg.Monitor, s.fetcher, s.clock, loopOpts...)
	if err := loop.Start(ctx, initial); err != nil {
		return s.finish(rep, nil, fmt.Errorf("sniper: start monitor: %w", err))
	}
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	result, deadline, err := s.dispatchLoop(ctx, loop, initial)
	rep.Deadline = deadline
	loop.Stop()
	<-loop.Done()

	rep.Snapshot = s.Latest()
	return s.finish(rep, result, err)
}

// Latest returns the snapshot the current deadline is derived from.
func (s *Sniper) Latest() types.ResourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

type dispatchReply struct {
	result types.DispatchResult
	err    error
}

// dispatchLoop arms the engine and re-arms it on target time changes until it fires.
func (s *Sniper) dispatchLoop(ctx context.Context, loop *monitor.Loop, snap types.ResourceSnapshot) (*types.DispatchResult, float64, error) {
	monitorDone := loop.Done()

	for {
		deadline := snap.TargetTimestamp - s.cfg.Advance.Seconds()
		job := types.DispatchJob{Deadline: deadline, Payload: s.cfg.Payload, WorkerCount: s.cfg.WorkerCount}

		dctx, cancel := context.WithCancel(ctx)
		replies := make(chan dispatchReply, 1)
		go func() {
			r, err := s.engine.Dispatch(dctx, job, s.submit)
			replies <- dispatchReply{r, err}
		}()

		s.logger.Info().Str("target_time", snap.TargetTime).Float64("deadline", deadline).
			Int("workers", job.WorkerCount).Msg("armed")

		var reply dispatchReply
		rearmed := false
	wait:
		for {
			select {
			case reply = <-replies:
				break wait

			case <-s.rearm:
				next := s.Latest()
				if next.TargetTimestamp == snap.TargetTimestamp {
					continue
				}
				cancel()
				reply = <-replies
				if errors.Is(reply.err, dispatch.ErrCancelled) && ctx.Err() == nil {
					s.logger.Warn().Str("previous", snap.TargetTime).Str("current", next.TargetTime).
						Msg("target time changed, re-arming")
					snap = next
					rearmed = true
				} else if reply.err == nil {
					s.logger.Warn().Str("current", next.TargetTime).
						Msg("target time changed after firing, ignored")
				}
				break wait

			case <-monitorDone:
				monitorDone = nil
				mErr := loop.Err()
				if mErr == nil {
					continue
				}
				if !s.cfg.AbortOnFailure {
					s.logger.Warn().Err(mErr).Msg("monitoring failed, keeping last known deadline")
					continue
				}
				cancel()
				reply = <-replies
				if errors.Is(reply.err, dispatch.ErrCancelled) {
					reply.err = fmt.Errorf("%w: %w", ErrAborted, mErr)
				}
				break wait
			}
		}
		cancel()

		if rearmed {
			continue
		}
		if reply.err != nil {
			return nil, deadline, reply.err
		}
		result := reply.result
		s.recordResult(result)
		return &result, deadline, nil
	}
}

func (s *Sniper) onChange(change monitor.Change) {
	s.mu.Lock()
	s.changes++
	s.mu.Unlock()

	s.record(journal.EventChange, map[string]any{
		"title":       change.TitleChanged,
		"price":       change.PriceChanged,
		"target_time": change.TargetTimeChanged,
		"current":     change.Current,
	})
	if !change.TargetTimeChanged {
		return
	}

	s.setLatest(change.Current)
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

func (s *Sniper) setLatest(snap types.ResourceSnapshot) {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
}

func (s *Sniper) recordResult(result types.DispatchResult) {
	s.record(journal.EventFire, map[string]any{
		"fired_at": result.FiredAt,
		"lateness": result.Lateness,
		"workers":  s.cfg.WorkerCount,
	})
	for _, o := range result.AllOutcomes {
		if len(o.ResponseText) > maxJournalText {
			o.ResponseText = o.ResponseText[:maxJournalText]
		}
		s.record(journal.EventOutcome, o)
	}
}

// finish fills the report, records it and broadcasts it.
func (s *Sniper) finish(rep types.RunReport, result *types.DispatchResult, runErr error) (types.RunReport, error) {
	s.mu.Lock()
	rep.Changes = s.changes
	s.mu.Unlock()

	rep.Offset = s.clock.Offset(s.cfg.Platform)
	rep.Result = result
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	rep.FinishedAt = s.now()

	summary := map[string]any{"success": result != nil && result.Success}
	if runErr != nil {
		summary["error"] = rep.Error
	}
	if result != nil && result.WinningOutcome != nil {
		summary["winner"] = result.WinningOutcome.WorkerID
	}
	s.record(journal.EventResult, summary)

	if s.reports != nil {
		if err := s.reports.Write(rep); err != nil {
			s.logger.Error().Err(err).Msg("failed to write report")
		}
	}
	if s.notifier != nil {
		nctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		if err := s.notifier.Publish(nctx, rep); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish report")
		}
		cancel()
	}
	return rep, runErr
}

func (s *Sniper) record(eventType journal.EventType, data any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(eventType, s.runID, data); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("failed to append journal event")
	}
}
