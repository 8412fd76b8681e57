package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dataswift/hatsync/queue"
)

// Outcome is what happened to one mutation during a pass
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDropped    Outcome = "dropped"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeStorage    Outcome = "storage_error"
)

// Event describes a mutation outcome
type Event struct {
	ResourceType string
	MutationID   string
	LocalRef     string
	Kind         queue.Kind
	Outcome      Outcome
	Attempts     int
	Err          error
}

// Reporter receives replay outcomes. Implementations must not block.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// LogReporter writes events to a zerolog logger
type LogReporter struct {
	Log zerolog.Logger
}

// Report implements Reporter
func (l LogReporter) Report(_ context.Context, ev Event) {
	var e *zerolog.Event
	switch ev.Outcome {
	case OutcomeApplied:
		e = l.Log.Debug()
	case OutcomeRetry:
		e = l.Log.Warn()
	default:
		e = l.Log.Error()
	}
	e.Str("type", ev.ResourceType).
		Str("mutation", ev.MutationID).
		Str("local_ref", ev.LocalRef).
		Str("kind", string(ev.Kind)).
		Int("attempts", ev.Attempts).
		Err(ev.Err).
		Msg("mutation " + string(ev.Outcome))
}
