package binlog

import "context"

// EventSource implements C6: it wraps a ByteSource and filters out
// unrecognized or explicitly-ignorable events, so callers above it only
// ever see events TableDiffSource cares about (plus the opaque-but-typed
// Query/Xid/IntVar/UserVar/Heartbeat family, which TableDiffSource also
// skips over but which remain available to a logging data-handler).
type EventSource struct {
	source *ByteSource
}

// NewEventSource wraps source.
func NewEventSource(source *ByteSource) *EventSource {
	return &EventSource{source: source}
}

// Next returns the next recognized TypedEvent, re-pulling from the
// underlying ByteSource past any IgnoredData events.
func (s *EventSource) Next(ctx context.Context) (TypedEvent, error) {
	for {
		ev, err := s.source.Next(ctx)
		if err != nil {
			return TypedEvent{}, err
		}
		if _, ignored := ev.Data.(IgnoredData); ignored {
			continue
		}
		return ev, nil
	}
}

// Close releases the underlying source.
func (s *EventSource) Close() error { return s.source.Close() }
