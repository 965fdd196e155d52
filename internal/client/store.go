package client

import (
	"context"
	"sync"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// Listener observes each applied event together with the state it produced
type Listener func(ev models.Event, next State)

// Store owns one mirrored State. Dispatch only enqueues; Run is the single
// goroutine that applies events, one at a time, in arrival order.
type Store struct {
	events chan models.Event

	mu       sync.RWMutex
	state    State
	listener Listener
}

// NewStore creates an empty store with room for buffer queued events
func NewStore(buffer int) *Store {
	if buffer <= 0 {
		buffer = 64
	}
	return &Store{events: make(chan models.Event, buffer)}
}

// OnChange registers the listener invoked from Run after every event
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

// Dispatch queues ev for Run
func (s *Store) Dispatch(ctx context.Context, ev models.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued events until ctx is done
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

func (s *Store) apply(ev models.Event) {
	s.mu.Lock()
	s.state = Apply(s.state, ev)
	listener := s.listener
	next := s.state
	s.mu.Unlock()

	if listener != nil {
		listener(ev, next.Clone())
	}
}

// Snapshot returns a deep copy of the current state
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}
