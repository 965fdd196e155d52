// Package proposer defines the capability that turns a description or an
// answer, plus conversation context, into a complete workflow graph.
package proposer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// Proposer produces a graph proposal for one turn. Calls are not idempotent:
// a repeated call may return a different graph.
type Proposer interface {
	Propose(ctx context.Context, req Request) (Stream, error)
}

// Request is the context handed to the proposer for one turn
type Request struct {
	SessionID   string                `json:"session_id"`
	Description string                `json:"description,omitempty"`
	Answer      string                `json:"answer,omitempty"`
	Transcript  []models.Message      `json:"transcript"`
	PriorGraph  *models.WorkflowGraph `json:"prior_graph,omitempty"`
	Awaiting    *models.FieldRef      `json:"awaiting,omitempty"`
}

// Result is the outcome of a successful proposal
type Result struct {
	Graph            models.WorkflowGraph         `json:"graph"`
	FollowupQuestion string                       `json:"followup_question,omitempty"`
	Awaiting         *models.FieldRef             `json:"awaiting,omitempty"`
	FieldValues      map[string]map[string]string `json:"field_values,omitempty"`
}

// Event is one item of a proposal stream: either a thought or the final result
type Event struct {
	Thought string
	Result  *Result
}

// Stream yields zero or more thought events followed by exactly one result
// event, then io.EOF. A stream is consumed once.
type Stream interface {
	Recv() (*Event, error)
	Close() error
}

// EmitFunc forwards one thought to the consumer and blocks until it is taken
type EmitFunc func(thought string) error

// ProduceFunc generates a proposal, emitting thoughts as it goes
type ProduceFunc func(ctx context.Context, emit EmitFunc) (*Result, error)

var errStreamClosed = errors.New("stream closed")

// funcStream runs a ProduceFunc in its own goroutine. The producer is
// suspended on every emit until the consumer calls Recv.
type funcStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	items  chan *Event
	done   chan struct{}

	mu     sync.Mutex
	err    error
	result *Result
	ended  bool
}

// NewStream starts produce and returns the stream of its output
func NewStream(ctx context.Context, produce ProduceFunc) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &funcStream{
		ctx:    ctx,
		cancel: cancel,
		items:  make(chan *Event),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		emit := func(thought string) error {
			select {
			case s.items <- &Event{Thought: thought}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		result, err := produce(ctx, emit)
		s.mu.Lock()
		s.result, s.err = result, err
		s.mu.Unlock()
	}()

	return s
}

func (s *funcStream) Recv() (*Event, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	select {
	case ev := <-s.items:
		return ev, nil
	case <-s.done:
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil {
		return nil, models.NewProposerError(models.ProposerErrorMalformed, errors.New("proposal produced no result"))
	}
	return &Event{Result: s.result}, nil
}

func (s *funcStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Collect drains a stream, passing every thought to onThought, and returns
// the final result. It closes the stream.
func Collect(stream Stream, onThought func(string)) (*Result, error) {
	defer stream.Close()

	var result *Result
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if ev.Result != nil {
			if result != nil {
				return nil, models.NewProposerError(models.ProposerErrorMalformed, errors.New("stream produced more than one result"))
			}
			result = ev.Result
			continue
		}
		if result != nil {
			return nil, models.NewProposerError(models.ProposerErrorMalformed, errors.New("thought received after result"))
		}
		if onThought != nil {
			onThought(ev.Thought)
		}
	}

	if result == nil {
		return nil, models.NewProposerError(models.ProposerErrorMalformed, errStreamClosed)
	}
	return result, nil
}
