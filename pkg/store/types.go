package store

import "time"

// Event is an immutable entry in the append-only audit log. Sequence is a
// per-instance monotonic counter assigned by the store at append time.
type Event struct {
	ID           int64     `json:"id"`
	InstanceID   string    `json:"instance_id,omitempty"`
	DefinitionID string    `json:"definition_id,omitempty"`
	Type         string    `json:"event_type"`
	SourceState  string    `json:"source_state,omitempty"`
	ActiveStates []string  `json:"active_states,omitempty"`
	Details      string    `json:"details,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     int64     `json:"sequence"`
}

// ScheduleEvent is a persisted future resume point for an instance. It is
// created by timer actions and deleted once successfully dispatched; entries
// survive process restarts.
type ScheduleEvent struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	EventName  string    `json:"event_name"`
	ResumeTime time.Time `json:"resume_time"`
}

// EventFilter specifies criteria for reading audit events.
type EventFilter struct {
	Type  string `json:"event_type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
