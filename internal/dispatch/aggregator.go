package dispatch

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// Aggregator owns the outcome channel of one dispatch.
// Many workers write to Sink(); exactly one Drain reads it.
type Aggregator struct {
	ch        chan types.SubmitOutcome
	marker    string
	onSuccess func(types.SubmitOutcome)
	drained   atomic.Bool
	closeOnce sync.Once
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// OnFirstSuccess is called once, from the draining goroutine, as soon as the
// first accepted outcome arrives. Draining continues afterwards.
func OnFirstSuccess(fn func(types.SubmitOutcome)) AggregatorOption {
	return func(a *Aggregator) { a.onSuccess = fn }
}

// NewAggregator creates an aggregator whose channel holds capacity outcomes.
func NewAggregator(capacity int, marker string, opts ...AggregatorOption) *Aggregator {
	if capacity < 1 {
		capacity = 1
	}
	a := &Aggregator{
		ch:     make(chan types.SubmitOutcome, capacity),
		marker: marker,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sink is the write side handed to workers.
func (a *Aggregator) Sink() chan<- types.SubmitOutcome { return a.ch }

// Close marks the end of the outcome stream. Call after every writer is done.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() { close(a.ch) })
}

// Accepted reports whether an outcome carries the success marker.
func (a *Aggregator) Accepted(o types.SubmitOutcome) bool {
	return !o.Failed() && a.marker != "" && strings.Contains(o.ResponseText, a.marker)
}

// Drain reads until Close, in completion order. The first accepted outcome
// wins; every outcome is kept. A second call returns ErrAlreadyDrained.
func (a *Aggregator) Drain() (types.DispatchResult, error) {
	if !a.drained.CompareAndSwap(false, true) {
		return types.DispatchResult{}, ErrAlreadyDrained
	}

	var result types.DispatchResult
	for o := range a.ch {
		result.AllOutcomes = append(result.AllOutcomes, o)
		if result.WinningOutcome == nil && a.Accepted(o) {
			winner := o
			result.WinningOutcome = &winner
			result.Success = true
			if a.onSuccess != nil {
				a.onSuccess(winner)
			}
		}
	}
	return result, nil
}
