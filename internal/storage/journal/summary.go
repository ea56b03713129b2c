package journal

import (
	"encoding/json"
	"fmt"
)

// RunSummary aggregates the events of one run.
type RunSummary struct {
	RunID    string
	Events   int
	First    int64 // unix ms
	Last     int64 // unix ms
	Fired    bool
	Finished bool
	Success  bool
}

// Summarize replays path and groups events by run, in first-seen order.
func Summarize(path string) ([]RunSummary, error) {
	var (
		order []string
		runs  = map[string]*RunSummary{}
	)

	err := ReplayFile(path, func(event Event) error {
		run, ok := runs[event.RunID]
		if !ok {
			run = &RunSummary{RunID: event.RunID, First: event.Timestamp}
			runs[event.RunID] = run
			order = append(order, event.RunID)
		}
		run.Events++
		run.Last = event.Timestamp

		switch event.Type {
		case EventFire:
			run.Fired = true
		case EventResult:
			run.Finished = true
			var result struct {
				Success bool `json:"success"`
			}
			if len(event.Data) > 0 {
				if err := json.Unmarshal(event.Data, &result); err != nil {
					return fmt.Errorf("journal: decode result at seq=%d: %w", event.Seq, err)
				}
			}
			run.Success = result.Success
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]RunSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *runs[id])
	}
	return out, nil
}
