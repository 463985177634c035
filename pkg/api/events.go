package api

import (
	"context"

	"github.com/cuemby/quilt/pkg/types"
)

// EventFilter narrows a StreamEvents subscription. A zero-value filter
// matches every event. ContainerID, when set, matches a single container;
// Kinds, when non-empty, restricts which event kinds are delivered.
type EventFilter struct {
	ContainerID string
	Kinds       []types.EventKind
}

func (f EventFilter) matches(ev *types.Event) bool {
	if f.ContainerID != "" && ev.ContainerID != f.ContainerID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

// StreamEvents subscribes to the engine's event broker and forwards every
// event matching filter to out until ctx is cancelled. It unsubscribes
// before returning, regardless of how it exits.
func (s *Server) StreamEvents(ctx context.Context, filter EventFilter, out chan<- *types.Event) error {
	broker := s.engine.Events()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if !filter.matches(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
