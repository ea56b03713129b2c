// ============================================================================
// Sale-Sniper Notify - 結果廣播
// ============================================================================
//
// Package: internal/notify
// 文件: notify.go
// 功能: 搶購結束後將 RunReport 送往外部
//
//   LogNotifier   - 寫入 zerolog（永遠可用）
//   RedisNotifier - PUBLISH 到頻道，並以 TTL 保存最近結果
//   Multi         - 依序送往多個 Notifier，收集所有錯誤
//
// ============================================================================

package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// Notifier 接收一次搶購的最終報告
type Notifier interface {
	Publish(ctx context.Context, report types.RunReport) error
}

// LogNotifier writes the outcome as a single structured log line.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Publish implements Notifier.
func (n *LogNotifier) Publish(_ context.Context, report types.RunReport) error {
	event := n.logger.Info()
	if report.Result == nil || !report.Result.Success {
		event = n.logger.Warn()
	}
	event = event.
		Str("run_id", report.RunID).
		Str("platform", report.Platform).
		Float64("deadline", report.Deadline).
		Int("changes", report.Changes)

	if report.Error != "" {
		event = event.Str("error", report.Error)
	}
	if res := report.Result; res != nil {
		event = event.
			Bool("success", res.Success).
			Int("outcomes", len(res.AllOutcomes)).
			Int("failed", res.Failed()).
			Dur("lateness", res.Lateness)
		if res.WinningOutcome != nil {
			event = event.Int("winner", res.WinningOutcome.WorkerID)
		}
	}
	event.Msg("run finished")
	return nil
}

// Multi fans a report out to every notifier.
type Multi []Notifier

// Publish implements Notifier; all notifiers are tried.
func (m Multi) Publish(ctx context.Context, report types.RunReport) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
