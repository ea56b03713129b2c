package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted 抓取重試次數用盡，監控會話終止
	ErrRetriesExhausted = errors.New("monitor: snapshot fetch retries exhausted")
	// ErrAlreadyStarted Start 只能呼叫一次
	ErrAlreadyStarted = errors.New("monitor: loop already started")
)

// ExhaustedError carries the attempt count and the last failure.
// errors.Is(err, ErrRetriesExhausted) matches it; Unwrap exposes the cause.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }
