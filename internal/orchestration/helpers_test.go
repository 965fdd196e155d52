package orchestration

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/proposer"
)

// recordingSink captures outbound events
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	closed bool
}

func (r *recordingSink) Send(ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recordingSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recordingSink) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// terminals counts assistant messages and turn errors
func (r *recordingSink) terminals() int {
	n := 0
	for _, ev := range r.Events() {
		if isTerminal(ev) {
			n++
		}
	}
	return n
}

func (r *recordingSink) waitForTerminals(t *testing.T, n int) []models.Event {
	t.Helper()
	require.Eventually(t, func() bool { return r.terminals() >= n }, 3*time.Second, 5*time.Millisecond)
	return r.Events()
}

func isTerminal(ev models.Event) bool {
	switch e := ev.(type) {
	case models.MessageEvent:
		return e.Message.Role == models.RoleAssistant
	case models.ErrorEvent:
		return !e.IsNodeData()
	}
	return false
}

// proposerFunc adapts a function to the Proposer interface
type proposerFunc func(ctx context.Context, req proposer.Request) (proposer.Stream, error)

func (f proposerFunc) Propose(ctx context.Context, req proposer.Request) (proposer.Stream, error) {
	return f(ctx, req)
}

// sleepyStream ignores cancellation: each Recv sleeps before yielding
type sleepyStream struct {
	delay    time.Duration
	thoughts []string
	result   *proposer.Result
	sent     bool
}

func (s *sleepyStream) Recv() (*proposer.Event, error) {
	time.Sleep(s.delay)
	if len(s.thoughts) > 0 {
		t := s.thoughts[0]
		s.thoughts = s.thoughts[1:]
		return &proposer.Event{Thought: t}, nil
	}
	if !s.sent {
		s.sent = true
		return &proposer.Event{Result: s.result}, nil
	}
	return nil, io.EOF
}

func (s *sleepyStream) Close() error { return nil }

func sampleGraph(provided ...string) models.WorkflowGraph {
	if provided == nil {
		provided = []string{}
	}
	return models.WorkflowGraph{
		Nodes: []models.Node{
			{
				ID: "shopify", Name: "Shopify", Type: models.NodeTypeSource,
				Status:         models.DeriveStatus([]string{"store_url"}, provided, false),
				RequiredFields: []string{"store_url"}, ProvidedFields: provided,
			},
			{
				ID: "snowflake", Name: "Snowflake", Type: models.NodeTypeDestination,
				Status:         models.NodeStatusPending,
				RequiredFields: []string{"account_id"}, ProvidedFields: []string{},
			},
		},
		Connections: []models.Connection{{SourceNodeID: "shopify", TargetNodeID: "snowflake"}},
	}
}

func newTestManager(p proposer.Proposer, opts Options) *Manager {
	if opts.ProposerTimeout == 0 {
		opts.ProposerTimeout = 2 * time.Second
	}
	return NewManager(p, nil, opts)
}
