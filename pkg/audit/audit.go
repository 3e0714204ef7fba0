// Package audit records compliance events for conflicts, approvals,
// overrides, rollbacks, authorizations and recovery cycles.
//
// Sinks are outbound collaborators: a failed Record never changes a
// decision, callers log the failure and carry on.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventConflict        EventType = "conflict"
	EventApprovalRequest EventType = "approval_request"
	EventOverride        EventType = "override"
	EventRollback        EventType = "rollback"
	EventAuthorization   EventType = "authorization"
	EventError           EventType = "error"
	EventRecovery        EventType = "recovery_cycle"
	EventLock            EventType = "lock"
	EventValidation      EventType = "admin_validation"
)

// Event is what a sink persists. Resource names the affected object as
// kind:id, e.g. "conflict:c-12".
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Sink interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the acting principal, or "system".
func ActorFrom(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id
	}
	return "system"
}

func stamp(ctx context.Context, at time.Time, t EventType, action, resource string, metadata map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		ActorID:   ActorFrom(ctx),
		Type:      t,
		Action:    action,
		Resource:  resource,
		Timestamp: at.UTC(),
		Metadata:  metadata,
	}
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, EventType, string, string, map[string]any) error { return nil }

// Multi records to every sink, even after one fails, and joins the errors.
func Multi(sinks ...Sink) Sink { return fanout(sinks) }

type fanout []Sink

func (f fanout) Record(ctx context.Context, t EventType, action, resource string, metadata map[string]any) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Record(ctx, t, action, resource, metadata))
	}
	return errors.Join(errs...)
}
