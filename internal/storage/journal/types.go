package journal

import "encoding/json"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records written for each sniping run
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventSync     EventType = "SYNC"     // Clock offset refreshed
	EventSnapshot EventType = "SNAPSHOT" // Initial snapshot accepted
	EventChange   EventType = "CHANGE"   // Monitor detected a change
	EventFire     EventType = "FIRE"     // Dispatch released its workers
	EventOutcome  EventType = "OUTCOME"  // One worker reported
	EventResult   EventType = "RESULT"   // Run finished
)

// Event represents a journal record
type Event struct {
	Seq       uint64          `json:"seq"`       // Sequence number (monotonically increasing across runs)
	Type      EventType       `json:"type"`      // Event type
	RunID     string          `json:"run_id"`    // Run the event belongs to
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Data      json.RawMessage `json:"data,omitempty"`
	Checksum  uint32          `json:"checksum"` // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay
type EventHandler func(event Event) error
