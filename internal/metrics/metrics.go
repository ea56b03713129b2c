// ============================================================================
// Sale-Sniper Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露搶購流程的運行指標
//
// 指標分類:
//
//   1. 時鐘同步:
//      - sniper_clock_syncs_total{platform,result}: 同步次數（ok / failed）
//      - sniper_clock_offset_seconds{platform}: 目前使用的偏移
//
//   2. 監控循環:
//      - sniper_snapshot_fetches_total{result}: 快照抓取次數
//      - sniper_snapshot_changes_total: 偵測到的變化次數
//      - sniper_monitor_interval_seconds: 最近一次選擇的輪詢間隔
//
//   3. 分派:
//      - sniper_submits_total{result}: 提交次數（accepted / rejected / error）
//      - sniper_submit_latency_seconds: 提交延遲分佈
//        * 桶分佈: 0.01 ~ 5s
//      - sniper_fire_lateness_seconds: 最近一次觸發相對 deadline 的延遲
//      - sniper_dispatches_total{result}: 分派結果（success / failure）
//
// Prometheus 查詢示例:
//
//   # 搶購成功率
//   rate(sniper_dispatches_total{result="success"}[1d]) / rate(sniper_dispatches_total[1d])
//
//   # 95 分位提交延遲
//   histogram_quantile(0.95, sniper_submit_latency_seconds_bucket)
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var submitBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Collector Prometheus 指標收集器
type Collector struct {
	// 時鐘同步
	clockSyncs  *prometheus.CounterVec
	clockOffset *prometheus.GaugeVec

	// 監控循環
	fetches  *prometheus.CounterVec
	changes  prometheus.Counter
	interval prometheus.Gauge

	// 分派
	submits       *prometheus.CounterVec
	submitLatency prometheus.Histogram
	fireLateness  prometheus.Gauge
	dispatches    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 reg
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		clockSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_clock_syncs_total",
			Help: "Clock sync attempts by platform and result",
		}, []string{"platform", "result"}),
		clockOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sniper_clock_offset_seconds",
			Help: "Offset between platform time and local time in seconds",
		}, []string{"platform"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_snapshot_fetches_total",
			Help: "Snapshot fetch cycles by result",
		}, []string{"result"}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_snapshot_changes_total",
			Help: "Snapshot changes detected by the monitor",
		}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_monitor_interval_seconds",
			Help: "Most recent monitor polling interval in seconds",
		}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_submits_total",
			Help: "Submission attempts by result",
		}, []string{"result"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sniper_submit_latency_seconds",
			Help:    "Submission round trip latency in seconds",
			Buckets: submitBuckets,
		}),
		fireLateness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_fire_lateness_seconds",
			Help: "Delay between the deadline and the actual fan-out in seconds",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_dispatches_total",
			Help: "Dispatch cycles by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.clockSyncs, c.clockOffset,
		c.fetches, c.changes, c.interval,
		c.submits, c.submitLatency, c.fireLateness, c.dispatches,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordClockSync 記錄一次時鐘同步
func (c *Collector) RecordClockSync(platform string, ok bool, offsetSeconds float64) {
	c.clockSyncs.WithLabelValues(platform, okLabel(ok, "ok", "failed")).Inc()
	c.clockOffset.WithLabelValues(platform).Set(offsetSeconds)
}

// RecordFetch 記錄一次快照抓取
func (c *Collector) RecordFetch(ok bool) {
	c.fetches.WithLabelValues(okLabel(ok, "ok", "failed")).Inc()
}

// RecordChange 記錄快照變化
func (c *Collector) RecordChange() {
	c.changes.Inc()
}

// RecordInterval 記錄輪詢間隔
func (c *Collector) RecordInterval(d time.Duration) {
	c.interval.Set(d.Seconds())
}

// RecordSubmit 記錄一次提交
func (c *Collector) RecordSubmit(result string, latency time.Duration) {
	c.submits.WithLabelValues(result).Inc()
	c.submitLatency.Observe(latency.Seconds())
}

// RecordFire 記錄觸發延遲
func (c *Collector) RecordFire(lateness time.Duration) {
	c.fireLateness.Set(lateness.Seconds())
}

// RecordDispatch 記錄分派結果
func (c *Collector) RecordDispatch(success bool) {
	c.dispatches.WithLabelValues(okLabel(success, "success", "failure")).Inc()
}

// Fetches 返回指定結果的抓取計數器
func (c *Collector) Fetches(result string) prometheus.Counter {
	return c.fetches.WithLabelValues(result)
}

// Changes 返回變化計數器
func (c *Collector) Changes() prometheus.Counter {
	return c.changes
}

// Handler 返回 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve 啟動 metrics HTTP 伺服器，ctx 結束時關閉
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func okLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
