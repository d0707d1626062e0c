// internal/events/types.go
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	SettlementStarted EventType = "settlement.started"
	StageCompleted    EventType = "settlement.stage_completed"
	StageFailed       EventType = "settlement.stage_failed"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// StageEvent reports one pipeline transition of a settlement.
type StageEvent struct {
	BaseEvent
	SettlementID string
	AccountID    string
	Stage        string
	Duration     time.Duration
	// Legs is the number of legs carried forward by the stage.
	Legs int
	Err  error
}

// NewStageEvent stamps a stage event with the current time. A non-nil err
// makes it a StageFailed event.
func NewStageEvent(settlementID, accountID, stage string, legs int, d time.Duration, err error) StageEvent {
	typ := StageCompleted
	if err != nil {
		typ = StageFailed
	}
	return StageEvent{
		BaseEvent:    BaseEvent{EventType: typ, EventTime: time.Now()},
		SettlementID: settlementID,
		AccountID:    accountID,
		Stage:        stage,
		Duration:     d,
		Legs:         legs,
		Err:          err,
	}
}
