package events

import (
	"log/slog"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
)

// Event represents a structured state change emitted by the core engines.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default when a component is constructed without an emitter.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder converts an Event into its wire attribute form. Every concrete
// event in this package implements it.
type Recorder interface {
	Event() *types.Event
}

// LogEmitter writes events to the structured logger. Nodes without an
// indexer attached still get an audit trail of state changes.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(event Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"type", event.EventType()}
	if rec, ok := event.(Recorder); ok {
		if wire := rec.Event(); wire != nil {
			for k, v := range wire.Attributes {
				attrs = append(attrs, k, v)
			}
		}
	}
	logger.Info("event", attrs...)
}
