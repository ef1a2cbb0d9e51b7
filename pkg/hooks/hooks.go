// Package hooks defines the collaborator interfaces the storage core calls
// out to. Policy (quotas, authorization, audit retention) lives outside the
// core; the core only consumes the answers.
package hooks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Op names a core operation for authorization purposes.
type Op string

const (
	OpIngest   Op = "ingest"
	OpRetrieve Op = "retrieve"
	OpDelete   Op = "delete"
)

// EventKind classifies an audit event.
type EventKind string

const (
	EventIngestCompleted   EventKind = "ingest_completed"
	EventIngestFailed      EventKind = "ingest_failed"
	EventRetrieveCompleted EventKind = "retrieve_completed"
	EventRetrieveFailed    EventKind = "retrieve_failed"
	EventAuthFailed        EventKind = "auth_failed"
	EventCorruptionFound   EventKind = "corruption_found"
)

// Decision is the answer returned by authorization and quota hooks.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow returns a positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a negative decision with the given reason.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Event is a completed audit record handed to the recorder.
type Event struct {
	ID      string
	Kind    EventKind
	Time    time.Time
	Payload map[string]any
}

// Authorizer is consulted before every ingest and retrieval.
type Authorizer interface {
	AuthorizeOperation(ctx context.Context, user string, op Op, resource string) Decision
}

// Recorder receives every completed operation and every security-relevant
// failure.
type Recorder interface {
	RecordEvent(ctx context.Context, kind EventKind, payload map[string]any)
}

// QuotaEnforcer is consulted before every storage-consuming operation.
type QuotaEnforcer interface {
	EnforceQuota(ctx context.Context, user string, resourceDelta int64) Decision
}

// Hooks bundles the three collaborator interfaces.
type Hooks struct {
	Authorizer    Authorizer
	Recorder      Recorder
	QuotaEnforcer QuotaEnforcer
}

// Default returns hooks that allow everything and record events to the
// context logger. The real collaborators replace these in production.
func Default() Hooks {
	return Hooks{
		Authorizer:    allowAll{},
		Recorder:      logRecorder{},
		QuotaEnforcer: allowAll{},
	}
}

// Authorize runs the authorizer, treating a nil hook as allow.
func (h Hooks) Authorize(ctx context.Context, user string, op Op, resource string) Decision {
	if h.Authorizer == nil {
		return Allow()
	}

	return h.Authorizer.AuthorizeOperation(ctx, user, op, resource)
}

// Record runs the recorder, treating a nil hook as a no-op.
func (h Hooks) Record(ctx context.Context, kind EventKind, payload map[string]any) {
	if h.Recorder == nil {
		return
	}

	h.Recorder.RecordEvent(ctx, kind, payload)
}

// Quota runs the quota enforcer, treating a nil hook as allow.
func (h Hooks) Quota(ctx context.Context, user string, resourceDelta int64) Decision {
	if h.QuotaEnforcer == nil {
		return Allow()
	}

	return h.QuotaEnforcer.EnforceQuota(ctx, user, resourceDelta)
}

type allowAll struct{}

func (allowAll) AuthorizeOperation(context.Context, string, Op, string) Decision { return Allow() }
func (allowAll) EnforceQuota(context.Context, string, int64) Decision            { return Allow() }

type logRecorder struct{}

func (logRecorder) RecordEvent(ctx context.Context, kind EventKind, payload map[string]any) {
	zerolog.Ctx(ctx).Info().
		Str("event_id", uuid.NewString()).
		Str("kind", string(kind)).
		Fields(payload).
		Msg("audit event")
}
