// ============================================================================
// Sale-Sniper Worker Pool - 預先啟動的並發提交器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 在 deadline 之前啟動 N 個 Worker，於 Release() 時同時放行
//
// 設計模式:
//   Worker Pool 模式的單發變體：
//   1. Start() 預先建立 N 個 goroutine，全部阻塞在 taskCh 上
//   2. Release() 一次放入 N 個任務並關閉 taskCh，所有 Worker 幾乎同時開始提交
//   3. 每個 Worker 只處理一個任務，結果寫入外部 sink
//   4. goroutine 建立成本在 deadline 之前就已支付
//
// 架構組件:
//   ┌─────────────┐
//   │  Dispatch   │ --Release()--> taskCh (N tasks, then closed)
//   └─────────────┘
//                         ┌────────┐
//                 taskCh →│Worker 1│──┐
//                 taskCh →│Worker 2│──┼──→ sink (Aggregator)
//                 taskCh →│Worker N│──┘
//                         └────────┘
//
// 生命週期:
//   1. NewPool(n) - 建立 Pool
//   2. Start(sink) - 啟動 n 個 Worker（等待放行）
//   3. Release(task) - 不可逆的放行點
//   4. Wait() - 等待所有 Worker 回報
//   5. Stop() - 放行前呼叫：Worker 不提交直接退出；放行後呼叫：等同 Wait()
//
// 並發控制:
//   - taskCh: 緩衝大小 = n，Release() 不會阻塞
//   - WaitGroup: 追蹤所有 Worker
//   - Mutex: 保護 started/released/stopped 狀態，taskCh 只會被關閉一次
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已停止，無法放行
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrAlreadyReleased 表示已經放行過一次
	ErrAlreadyReleased = errors.New("worker pool already released")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 一次分派使用的 Worker 池（不可重複使用）
type Pool struct {
	size     int
	workers  []*Worker      // 已啟動的 Worker
	taskCh   chan Task      // 放行通道
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	released bool
	stopped  bool
	mu       sync.Mutex // 保護狀態欄位
	logger   zerolog.Logger
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger used by the pool and its workers.
func WithLogger(l zerolog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立 Pool
// 參數：
//   - workerCount: Worker 數量（= 提交次數）
func NewPool(workerCount int, opts ...PoolOption) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		size:    workerCount,
		workers: make([]*Worker, 0, workerCount),
		taskCh:  make(chan Task, workerCount),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動所有 Worker，它們會阻塞直到 Release() 或 Stop()
// sink 的容量必須至少等於 Worker 數量
func (p *Pool) Start(sink chan<- types.SubmitOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < p.size; i++ {
		w := newWorker(i+1, p.taskCh, sink, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.logger.Debug().Int("workers", p.size).Msg("worker pool armed")
	return nil
}

// Release 放行所有 Worker，回傳放行時刻
// 這是不可逆的：之後 Stop() 不會取消任何提交
func (p *Pool) Release(task Task) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.started:
		return time.Time{}, ErrPoolNotStarted
	case p.stopped:
		return time.Time{}, ErrPoolClosed
	case p.released:
		return time.Time{}, ErrAlreadyReleased
	}

	firedAt := time.Now()
	for i := 0; i < p.size; i++ {
		p.taskCh <- task
	}
	close(p.taskCh)
	p.released = true
	return firedAt, nil
}

// Wait 等待所有 Worker 結束
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop 停止 Pool 並等待 Worker 結束
// 放行前呼叫：Worker 不會提交任何請求
// 放行後呼叫：等待所有提交完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if !p.released {
		close(p.taskCh)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount 返回已啟動的 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// IsReleased 檢查 Pool 是否已放行
func (p *Pool) IsReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
