package main

// ============================================================================
// Offline demo: a complete run against in-process fakes
//
//   go run ./cmd/demo          # sale in 12s
//   go run ./cmd/demo 20       # sale in 20s
//
// The fake platform clock runs 1.2s ahead of local time, the fake item page
// drops its price a few cycles in, and one in five fake submits is accepted.
// ============================================================================

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ChuLiYu/sale-sniper/internal/clocksync"
	"github.com/ChuLiYu/sale-sniper/internal/dispatch"
	"github.com/ChuLiYu/sale-sniper/internal/logging"
	"github.com/ChuLiYu/sale-sniper/internal/metrics"
	"github.com/ChuLiYu/sale-sniper/internal/monitor"
	"github.com/ChuLiYu/sale-sniper/internal/notify"
	"github.com/ChuLiYu/sale-sniper/internal/report"
	"github.com/ChuLiYu/sale-sniper/internal/sniper"
	"github.com/ChuLiYu/sale-sniper/internal/storage/journal"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

const (
	platform     = "demo"
	marker       = "安全链接"
	serverLead   = 1200 * time.Millisecond
	demoWorkers  = 20
	priceDropsAt = 5
)

func main() {
	lead := 12 * time.Second
	if len(os.Args) > 1 {
		secs, err := strconv.Atoi(os.Args[1])
		if err != nil || secs < 1 {
			fmt.Println("Usage: go run ./cmd/demo [seconds-until-sale]")
			os.Exit(1)
		}
		lead = time.Duration(secs) * time.Second
	}

	logger := logging.Setup(logging.Options{Level: "info", Format: "console"})
	zone := time.FixedZone("UTC+8", 8*3600)
	collector := metrics.NewCollector(prometheus.NewRegistry())

	source := clocksync.TimeSourceFunc(func(ctx context.Context, _ string) (time.Time, error) {
		return time.Now().Add(serverLead).Truncate(time.Second), ctx.Err()
	})
	syncer := clocksync.New(clocksync.Config{ReportZone: zone}, source,
		clocksync.WithLogger(logger), clocksync.WithRecorder(collector))

	saleAt := time.Now().Add(serverLead + lead).Truncate(time.Second)
	fetcher := newFakeItem(saleAt.In(zone))

	engine := dispatch.NewEngine(dispatch.Config{
		Platform:      platform,
		SubmitTimeout: time.Second,
		SuccessMarker: marker,
	}, syncer,
		dispatch.WithLogger(logger),
		dispatch.WithRecorder(collector),
		dispatch.WithFirstSuccess(func(o types.SubmitOutcome) {
			fmt.Printf("\n🎯 worker %d got through after %s\n\n", o.WorkerID, o.Latency)
		}),
	)

	dir, err := os.MkdirTemp("", "sale-sniper-demo-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	j, err := journal.Open(filepath.Join(dir, "journal.log"), false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "journal: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()
	reports := report.NewStore(filepath.Join(dir, "last_run.json"))

	s := sniper.New(sniper.Config{
		Platform:    platform,
		Target:      "demo://item/1",
		WorkerCount: demoWorkers,
		Advance:     200 * time.Millisecond,
		Payload:     types.Payload{"item_id": "1", "quantity": "1"},
		Monitor:     monitor.Config{RetryCount: 3, RetryInterval: 100 * time.Millisecond},
	}, syncer, fetcher, engine, fakeSubmit,
		sniper.WithLogger(logger),
		sniper.WithJournal(j),
		sniper.WithReports(reports),
		sniper.WithNotifier(notify.NewLogNotifier(logger)),
		sniper.WithMonitorOptions(monitor.WithRecorder(collector)),
	)

	fmt.Printf("✓ Demo run %s, sale at %s (platform clock %+.1fs)\n",
		s.RunID(), saleAt.In(zone).Format("15:04:05"), serverLead.Seconds())
	fmt.Printf("💡 Press Ctrl+C to abort before the sale\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, runErr := s.Run(ctx)

	fmt.Printf("\n📊 %s\n", report.Summary(rep, zone))
	if runErr != nil {
		fmt.Printf("⚠️  %v\n", runErr)
	}

	runs, err := journal.Summarize(j.Path())
	if err == nil && len(runs) > 0 {
		last := runs[len(runs)-1]
		fmt.Printf("💾 Journal: %d events for this run in %s\n", last.Events, j.Path())
	}
	fmt.Printf("📄 Report:  %s\n", reports.GetPath())
	fmt.Printf("📡 Fetches: %.0f, changes: %.0f\n",
		testutil.ToFloat64(collector.Fetches("ok")), testutil.ToFloat64(collector.Changes()))
}

// fakeItem serves a fixed sale time and drops the price after a few fetches.
type fakeItem struct {
	saleAt  time.Time
	fetches atomic.Int32
}

func newFakeItem(saleAt time.Time) *fakeItem {
	return &fakeItem{saleAt: saleAt}
}

func (f *fakeItem) FetchSnapshot(ctx context.Context, _ string) (types.ResourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.ResourceSnapshot{}, err
	}
	price := 1299.0
	if f.fetches.Add(1) > priceDropsAt {
		price = 999.0
	}
	return types.ResourceSnapshot{
		Title:           "Demo Console",
		PriceInfo:       &types.PriceInfo{Price: &price, Promotion: "flash sale"},
		TargetTime:      f.saleAt.Format("2006/01/02 15:04:05"),
		TargetTimestamp: types.EpochSeconds(f.saleAt),
	}, nil
}

func fakeSubmit(ctx context.Context, _ types.Payload) (string, error) {
	latency := time.Duration(20+rand.Intn(100)) * time.Millisecond
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(latency):
	}
	if rand.Intn(5) == 0 {
		return "<a href=\"/pay\">" + marker + "</a>", nil
	}
	return "<p>sold out</p>", nil
}
