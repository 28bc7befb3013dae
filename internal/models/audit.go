package models

import "time"

// Dispatch outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// DispatchRecord describes how one queued event was handled
type DispatchRecord struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"@timestamp"`
}
