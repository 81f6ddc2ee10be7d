// Package events records the project event stream: status changes, healing
// iterations and container lifecycle. Sinks write JSONL files or publish to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	TypeProjectCreated   Type = "project_created"
	TypeStatusChanged    Type = "status_changed"
	TypeHealIteration    Type = "heal_iteration"
	TypeContainerStarted Type = "container_started"
	TypeContainerStopped Type = "container_stopped"
	TypeFeedback         Type = "feedback"
	TypeResearch         Type = "research"
	TypeUsage            Type = "usage"
)

// Event is one entry in a project's event stream.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	ProjectID string            `json:"projectId"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Iteration int               `json:"iteration,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	At        time.Time         `json:"at"`
}

// New creates an event stamped with a fresh id and the current time.
func New(typ Type, projectID, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		ProjectID: projectID,
		Message:   message,
		At:        time.Now().UTC(),
	}
}

// StatusChanged creates a status_changed event.
func StatusChanged(projectID, from, to, reason string) *Event {
	e := New(TypeStatusChanged, projectID, reason)
	e.From, e.To = from, to
	return e
}

// ToJSON encodes the event as one JSON line without the trailing newline.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON decodes one event.
func FromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Sink consumes events. Emit must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e *Event) error
}

// Multi fans an event out to several sinks, trying each and joining errors.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(context.Context, *Event) error { return nil }
