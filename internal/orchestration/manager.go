package orchestration

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/metrics"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/proposer"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/store"
)

// Options tune session behaviour
type Options struct {
	ProposerTimeout time.Duration
	IdleTimeout     time.Duration
	QueueSize       int
	Metrics         *metrics.TurnMetrics
}

func (o Options) withDefaults() Options {
	if o.ProposerTimeout <= 0 {
		o.ProposerTimeout = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	return o
}

// Manager is the registry of live sessions
type Manager struct {
	proposer proposer.Proposer
	details  store.DetailStore
	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session registry. details may be nil.
func NewManager(p proposer.Proposer, details store.DetailStore, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		proposer: p,
		details:  details,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating an idle one if needed
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := newSession(m.ctx, id, m.proposer, m.details, m.opts.Metrics, m.opts.ProposerTimeout, m.opts.QueueSize)
	m.sessions[id] = s
	m.opts.Metrics.RecordSessionOpened(m.ctx)
	log.Printf(`{"level":"info","message":"Session created","session_id":"%s"}`, id)
	return s
}

// Get returns an existing session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return s, nil
}

// Attach connects sink to the session for id, creating the session on first use
func (m *Manager) Attach(id string, sink Sink) *Session {
	s := m.GetOrCreate(id)
	s.Attach(sink)
	return s
}

// Destroy removes a session, cancelling its in-flight turn and closing its connection
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return models.ErrSessionNotFound
	}
	s.close()
	m.opts.Metrics.RecordSessionClosed(m.ctx, "destroyed")
	log.Printf(`{"level":"info","message":"Session destroyed","session_id":"%s"}`, id)
	return nil
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ReapIdle destroys detached sessions that have been quiet longer than the idle timeout
func (m *Manager) ReapIdle(now time.Time) int {
	cutoff := now.Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
		m.opts.Metrics.RecordSessionClosed(m.ctx, "idle_timeout")
		log.Printf(`{"level":"info","message":"Session expired","session_id":"%s"}`, s.ID())
	}
	return len(expired)
}

// RunReaper calls ReapIdle every interval until ctx is done
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.ReapIdle(now); n > 0 {
				log.Printf(`{"level":"debug","message":"Reaped idle sessions","count":%d}`, n)
			}
		}
	}
}

// Shutdown stops every session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		s.close()
		m.opts.Metrics.RecordSessionClosed(context.Background(), "shutdown")
	}
}
