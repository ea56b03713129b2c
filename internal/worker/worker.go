// ============================================================================
// Sale-Sniper Worker - Single-Shot Submission Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine per submission attempt. A worker is launched before
//           the deadline, parks on taskCh, and performs exactly one submit
//           once the pool releases.
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ task, ok := <-taskCh         │   │
//   │  │   ├─ !ok: pool stopped, exit │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ execute(task)           │   │
//   │  │   └─ send outcome to sink    │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   Each attempt runs under its own context.WithTimeout. The submit call runs
//   in an inner goroutine so a submit function that ignores ctx still cannot
//   hold the worker past the timeout.
//
// Error Handling:
//   - Timeout: outcome.Error = ErrSubmitTimeout
//   - Transport failure: outcome.Error = the submit error
//   - Panic inside submit: recovered, outcome.Error = ErrSubmitPanic
//   Every path produces exactly one outcome.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

var (
	// ErrSubmitTimeout the attempt did not finish within its timeout
	ErrSubmitTimeout = errors.New("submit timed out")
	// ErrSubmitPanic the submit function panicked
	ErrSubmitPanic = errors.New("submit panicked")
)

// Worker represents one submission attempt
type Worker struct {
	id     int                        // 1-based worker id, used in outcomes and logs
	taskCh <-chan Task                // receives at most one task
	sink   chan<- types.SubmitOutcome // outcome destination, capacity >= worker count
	logger zerolog.Logger
}

func newWorker(id int, taskCh <-chan Task, sink chan<- types.SubmitOutcome, logger zerolog.Logger) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		sink:   sink,
		logger: logger,
	}
}

// Run waits for release, performs one attempt and reports it.
// Returns without reporting if the pool is stopped before release.
func (w *Worker) Run() {
	task, ok := <-w.taskCh
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	start := time.Now()
	text, err := w.execute(ctx, task)
	received := time.Now()
	cancel()

	outcome := types.SubmitOutcome{
		WorkerID:     w.id,
		ResponseText: text,
		StartedAt:    start,
		ReceivedAt:   received,
		Latency:      received.Sub(start),
	}
	if err != nil {
		outcome.Error = err.Error()
		w.logger.Debug().Int("worker", w.id).Err(err).Dur("latency", outcome.Latency).Msg("submit failed")
	}

	// The sink has one slot per worker.
	w.sink <- outcome
}

type submitReply struct {
	text string
	err  error
}

// execute runs task.Submit under ctx and converts timeouts and panics into errors.
func (w *Worker) execute(ctx context.Context, task Task) (string, error) {
	done := make(chan submitReply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- submitReply{err: fmt.Errorf("%w: %v", ErrSubmitPanic, r)}
			}
		}()
		text, err := task.Submit(ctx, task.Payload)
		done <- submitReply{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w after %s", ErrSubmitTimeout, task.Timeout)
	case reply := <-done:
		if reply.err != nil && errors.Is(reply.err, context.DeadlineExceeded) {
			return reply.text, fmt.Errorf("%w: %v", ErrSubmitTimeout, reply.err)
		}
		return reply.text, reply.err
	}
}
