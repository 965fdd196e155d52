package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/metrics"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/proposer"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/store"
)

// State is the turn state of a session
type State string

const (
	StateIdle      State = "idle"
	StateProposing State = "proposing"
	StateReady     State = "ready"
	StateError     State = "error"
)

// Turn kinds
const (
	TurnStart    = "start"
	TurnContinue = "continue"
	turnAuto     = "auto"
)

// Sink receives the outbound events of one session. Send must not block.
type Sink interface {
	Send(ev models.Event) error
	Close() error
}

// Snapshot is a point-in-time copy of a session
type Snapshot struct {
	ID         string                `json:"session_id"`
	State      State                 `json:"state"`
	Transcript []models.Message      `json:"transcript"`
	Graph      *models.WorkflowGraph `json:"graph,omitempty"`
	Thought    string                `json:"thought,omitempty"`
	Awaiting   *models.FieldRef      `json:"awaiting,omitempty"`
	Connected  bool                  `json:"connected"`
	LastActive time.Time             `json:"last_active"`
}

type turn struct {
	kind       string
	message    models.Message
	generation uint64
}

// turnRun tracks one in-flight proposer call
type turnRun struct {
	generation uint64
	finished   bool
}

// Session owns the authoritative graph and transcript of one conversation.
// Turns run one at a time on the session's worker goroutine; readers take mu.
type Session struct {
	id        string
	proposer  proposer.Proposer
	details   store.DetailStore
	metrics   *metrics.TurnMetrics
	timeout   time.Duration
	tracer    trace.Tracer
	queue     chan turn
	ctx       context.Context
	cancelAll context.CancelFunc
	stopped   chan struct{}

	mu         sync.Mutex
	state      State
	transcript []models.Message
	graph      *models.WorkflowGraph
	thought    string
	awaiting   *models.FieldRef
	values     map[string]map[string]string
	pending    map[string]struct{}
	generation uint64
	cancelTurn context.CancelFunc
	sink       Sink
	lastActive time.Time
}

func newSession(parent context.Context, id string, p proposer.Proposer, details store.DetailStore, tm *metrics.TurnMetrics, timeout time.Duration, queueSize int) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:         id,
		proposer:   p,
		details:    details,
		metrics:    tm,
		timeout:    timeout,
		tracer:     otel.Tracer("pipeline-session"),
		queue:      make(chan turn, queueSize),
		ctx:        ctx,
		cancelAll:  cancel,
		stopped:    make(chan struct{}),
		state:      StateIdle,
		values:     make(map[string]map[string]string),
		pending:    make(map[string]struct{}),
		lastActive: time.Now(),
	}
	go s.run()
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// run is the session worker. It is the only goroutine that executes turns.
func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			s.runTurn(t)
		}
	}
}

// close stops the worker and cancels any in-flight turn
func (s *Session) close() {
	s.mu.Lock()
	s.generation++
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	s.cancelAll()
	<-s.stopped
	if sink != nil {
		sink.Close()
	}
}

// HandleEvent applies one inbound client event
func (s *Session) HandleEvent(ev models.Event) error {
	switch e := ev.(type) {
	case models.MessageEvent:
		if e.Message.Role != models.RoleUser {
			return &models.ProtocolDecodeError{Reason: "inbound message must have role user"}
		}
		if e.Message.Graph != nil {
			return &models.ProtocolDecodeError{Reason: "user message must not carry a graph"}
		}
		return s.submit(turnAuto, e.Message.ID, e.Message.Content)
	case models.StartEvent:
		return s.Start(e.ID, e.Content)
	case models.ClearEvent:
		s.Clear()
		return nil
	case models.GetNodeDataEvent:
		go s.answerNodeData(e.NodeID)
		return nil
	default:
		return &models.ProtocolDecodeError{Reason: fmt.Sprintf("unexpected inbound %s", ev.Kind())}
	}
}

// Start begins a fresh conversation. A session that is not idle is cleared first.
func (s *Session) Start(messageID, description string) error {
	s.mu.Lock()
	if messageID != "" && s.hasMessageLocked(messageID) {
		s.mu.Unlock()
		log.Printf(`{"level":"debug","message":"Ignoring repeated start","session_id":"%s","message_id":"%s"}`, s.id, messageID)
		return nil
	}
	dirty := s.state != StateIdle || len(s.transcript) > 0 || len(s.pending) > 0
	s.mu.Unlock()
	if dirty {
		s.Clear()
	}
	return s.submit(TurnStart, messageID, description)
}

// Continue queues an answer to the previous follow-up question. An idle
// session with no queued start has nothing to continue.
func (s *Session) Continue(messageID, answer string) error {
	s.mu.Lock()
	idle := s.state == StateIdle && len(s.pending) == 0
	s.mu.Unlock()
	if idle {
		return models.ErrInvalidTransition
	}
	return s.submit(TurnContinue, messageID, answer)
}

func (s *Session) submit(kind, messageID, content string) error {
	if content == "" {
		return &models.ProtocolDecodeError{Reason: "message without content"}
	}
	msg := models.NewUserMessage(messageID, content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasMessageLocked(msg.ID) {
		log.Printf(`{"level":"debug","message":"Ignoring duplicate message","session_id":"%s","message_id":"%s"}`, s.id, msg.ID)
		return nil
	}

	select {
	case s.queue <- turn{kind: kind, message: msg, generation: s.generation}:
		s.pending[msg.ID] = struct{}{}
		s.lastActive = time.Now()
		return nil
	default:
		return models.ErrSessionBusy
	}
}

func (s *Session) hasMessageLocked(id string) bool {
	if _, ok := s.pending[id]; ok {
		return true
	}
	for _, m := range s.transcript {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Clear discards transcript, graph and thought and returns to idle. Queued
// turns are dropped and an in-flight turn's result will be discarded.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}
	s.state = StateIdle
	s.transcript = nil
	s.graph = nil
	s.thought = ""
	s.awaiting = nil
	s.values = make(map[string]map[string]string)
	s.pending = make(map[string]struct{})
	s.lastActive = time.Now()

	s.emitLocked(models.StatusEvent{Status: models.StatusIdle})
}

func (s *Session) runTurn(t turn) {
	s.mu.Lock()
	if t.generation != s.generation {
		s.mu.Unlock()
		return
	}
	delete(s.pending, t.message.ID)

	// continue needs a started conversation
	if t.kind == TurnContinue && s.state == StateIdle {
		s.mu.Unlock()
		log.Printf(`{"level":"warn","message":"Dropping continue on idle session","session_id":"%s","message_id":"%s","error":"%v"}`, s.id, t.message.ID, models.ErrInvalidTransition)
		return
	}

	kind := t.kind
	if kind == turnAuto {
		kind = TurnContinue
		if s.state == StateIdle {
			kind = TurnStart
		}
	}

	s.transcript = append(s.transcript, t.message)
	req := proposer.Request{
		SessionID:  s.id,
		Transcript: cloneMessages(s.transcript),
	}
	var answered *models.FieldRef
	if kind == TurnStart {
		req.Description = t.message.Content
	} else {
		req.Answer = t.message.Content
		req.Awaiting = s.awaiting
		if s.graph != nil {
			prior := s.reconcileLocked(t.message.Content)
			req.PriorGraph = &prior
			if s.awaiting != nil {
				ref := *s.awaiting
				answered = &ref
			}
		}
	}

	run := &turnRun{generation: s.generation}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	s.cancelTurn = cancel
	s.state = StateProposing
	s.thought = ""
	s.emitLocked(models.StatusEvent{Status: models.StatusProcessing})
	s.mu.Unlock()
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "session.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", s.id),
		attribute.String("turn.kind", kind),
		attribute.String("message_id", t.message.ID),
	)

	s.metrics.RecordTurnStarted(ctx, kind)
	started := time.Now()

	result, err := s.propose(ctx, req, run)

	s.mu.Lock()
	defer s.mu.Unlock()
	run.finished = true

	if run.generation != s.generation || s.ctx.Err() != nil {
		log.Printf(`{"level":"info","message":"Discarding stale turn result","session_id":"%s","message_id":"%s"}`, s.id, t.message.ID)
		span.SetAttributes(attribute.Bool("turn.discarded", true))
		s.metrics.RecordTurnDiscarded(ctx, kind)
		return
	}
	s.cancelTurn = nil
	s.thought = ""
	s.lastActive = time.Now()

	if err == nil {
		err = s.applyResultLocked(result, answered, t.message.Content)
	}
	if err != nil {
		perr := asProposerError(ctx, err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		log.Printf(`{"level":"warn","message":"Turn failed","session_id":"%s","kind":"%s","error":"%v"}`, s.id, perr.Kind, perr)
		s.metrics.RecordTurnFailed(ctx, kind, string(perr.Kind), time.Since(started))

		msg := models.NewErrorMessage(errorText(perr))
		s.transcript = append(s.transcript, msg)
		s.state = StateError
		s.emitLocked(models.ErrorEvent{ID: msg.ID, Content: msg.Content, Timestamp: msg.Timestamp})
		return
	}

	graph := *s.graph
	span.SetAttributes(
		attribute.Int("graph.nodes", len(graph.Nodes)),
		attribute.Bool("graph.complete", graph.Complete),
	)
	s.metrics.RecordTurnCompleted(ctx, kind, graph.Complete, time.Since(started))

	msg := models.NewAssistantMessage(replyText(result), graph)
	s.transcript = append(s.transcript, msg)
	s.state = StateReady
	s.emitLocked(models.MessageEvent{Message: msg})
}

type proposal struct {
	result *proposer.Result
	err    error
}

// propose calls the proposer and waits for its result or the turn deadline,
// whichever comes first. Thoughts are forwarded while the turn is live.
func (s *Session) propose(ctx context.Context, req proposer.Request, run *turnRun) (*proposer.Result, error) {
	done := make(chan proposal, 1)
	go func() {
		stream, err := s.proposer.Propose(ctx, req)
		if err != nil {
			done <- proposal{err: err}
			return
		}
		result, err := proposer.Collect(stream, func(thought string) {
			s.forwardThought(ctx, run, thought)
		})
		done <- proposal{result: result, err: err}
	}()

	select {
	case p := <-done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) forwardThought(ctx context.Context, run *turnRun, thought string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.finished || run.generation != s.generation {
		return
	}
	s.thought = thought
	s.metrics.RecordThought(ctx)
	s.emitLocked(models.ThoughtEvent{Content: thought})
}

// reconcileLocked merges the awaited field into a copy of the current graph
func (s *Session) reconcileLocked(answer string) models.WorkflowGraph {
	prior := s.graph.Clone()
	if s.awaiting == nil {
		return prior
	}
	node, ok := prior.Node(s.awaiting.NodeID)
	if !ok {
		return prior
	}
	merged, err := models.MergeFields(node, []string{s.awaiting.Field})
	if err != nil {
		log.Printf(`{"level":"warn","message":"Awaited field rejected","session_id":"%s","error":"%v"}`, s.id, err)
		return prior
	}
	return prior.WithNode(merged)
}

// applyResultLocked replaces the graph with the proposer's and records filled values
func (s *Session) applyResultLocked(result *proposer.Result, answered *models.FieldRef, answer string) error {
	graph, rejected, err := models.NormalizeGraph(result.Graph)
	if err != nil {
		return models.NewProposerError(models.ProposerErrorMalformed, err)
	}
	for _, r := range rejected {
		log.Printf(`{"level":"warn","message":"Dropped undeclared provided field","session_id":"%s","error":"%v"}`, s.id, r)
	}

	var old models.WorkflowGraph
	if s.graph != nil {
		old = *s.graph
	}
	next := models.ReplaceGraph(old, graph)
	s.graph = &next

	s.awaiting = nil
	if ref := result.Awaiting; ref != nil {
		if node, ok := next.Node(ref.NodeID); ok && node.IsRequired(ref.Field) {
			r := *ref
			s.awaiting = &r
		}
	}

	if answered != nil {
		if node, ok := next.Node(answered.NodeID); ok && node.IsProvided(answered.Field) {
			s.setValueLocked(answered.NodeID, answered.Field, answer)
		}
	}
	for nodeID, fields := range result.FieldValues {
		node, ok := next.Node(nodeID)
		if !ok {
			continue
		}
		for field, value := range fields {
			if node.IsRequired(field) {
				s.setValueLocked(nodeID, field, value)
			}
		}
	}

	// Values of nodes that left the graph are forgotten
	for nodeID := range s.values {
		if _, ok := next.Node(nodeID); !ok {
			delete(s.values, nodeID)
		}
	}
	return nil
}

func (s *Session) setValueLocked(nodeID, field, value string) {
	if s.values[nodeID] == nil {
		s.values[nodeID] = make(map[string]string)
	}
	s.values[nodeID][field] = value
}

// NodeDetail resolves a node's filled configuration from the session graph
// and the detail store. Store values take precedence.
func (s *Session) NodeDetail(ctx context.Context, nodeID string) (*models.NodeDetail, error) {
	s.mu.Lock()
	var detail *models.NodeDetail
	if s.graph != nil {
		if node, ok := s.graph.Node(nodeID); ok {
			detail = &models.NodeDetail{
				NodeID:       nodeID,
				NodeTitle:    node.Name,
				FilledValues: make(map[string]string),
			}
			for k, v := range s.values[nodeID] {
				detail.FilledValues[k] = v
			}
		}
	}
	s.mu.Unlock()

	if s.details == nil {
		if detail == nil {
			return nil, models.ErrNodeNotFound
		}
		return detail, nil
	}

	stored, err := s.details.Lookup(ctx, nodeID)
	switch {
	case err == nil:
		if detail == nil {
			return stored, nil
		}
		for k, v := range stored.FilledValues {
			detail.FilledValues[k] = v
		}
		return detail, nil
	case errors.Is(err, models.ErrNodeNotFound):
		if detail == nil {
			return nil, models.ErrNodeNotFound
		}
		return detail, nil
	default:
		if detail != nil {
			log.Printf(`{"level":"warn","message":"Node detail store lookup failed","session_id":"%s","node_id":"%s","error":"%v"}`, s.id, nodeID, err)
			return detail, nil
		}
		return nil, err
	}
}

// answerNodeData serves a GET_NODE_DATA request without touching turn state
func (s *Session) answerNodeData(nodeID string) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	detail, err := s.NodeDetail(ctx, nodeID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		content := fmt.Sprintf("node %q not found", nodeID)
		if !errors.Is(err, models.ErrNodeNotFound) {
			content = fmt.Sprintf("could not load node %q", nodeID)
			log.Printf(`{"level":"error","message":"Node data lookup failed","session_id":"%s","node_id":"%s","error":"%v"}`, s.id, nodeID, err)
		}
		s.emitLocked(models.ErrorEvent{
			ID:        uuid.New().String(),
			Content:   content,
			Timestamp: time.Now().UTC(),
			NodeID:    nodeID,
		})
		return
	}
	s.emitLocked(models.NodeDataEvent{Detail: *detail})
}

// Attach makes sink the session's only connection and replays the durable
// transcript to it. A previously attached sink is closed.
func (s *Session) Attach(sink Sink) {
	s.mu.Lock()
	previous := s.sink
	s.sink = sink
	s.lastActive = time.Now()

	for _, msg := range s.transcript {
		s.emitLocked(eventFor(msg))
	}
	if s.state == StateProposing {
		s.emitLocked(models.StatusEvent{Status: models.StatusProcessing})
		if s.thought != "" {
			s.emitLocked(models.ThoughtEvent{Content: s.thought})
		}
	} else {
		s.emitLocked(models.StatusEvent{Status: models.StatusIdle})
	}
	s.mu.Unlock()

	if previous != nil && previous != sink {
		previous.Close()
	}
}

// Detach removes sink if it is still the attached connection. An in-flight
// turn keeps running; its output is not delivered.
func (s *Session) Detach(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == sink {
		s.sink = nil
		s.lastActive = time.Now()
	}
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		State:      s.state,
		Transcript: cloneMessages(s.transcript),
		Thought:    s.thought,
		Connected:  s.sink != nil,
		LastActive: s.lastActive,
	}
	if s.graph != nil {
		g := s.graph.Clone()
		snap.Graph = &g
	}
	if s.awaiting != nil {
		a := *s.awaiting
		snap.Awaiting = &a
	}
	return snap
}

// State returns the current turn state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// idleSince reports whether the session is detached and has been quiet since before cutoff
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink == nil && s.state != StateProposing && len(s.pending) == 0 && s.lastActive.Before(cutoff)
}

func (s *Session) emitLocked(ev models.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Send(ev); err != nil {
		log.Printf(`{"level":"debug","message":"Dropped outbound event","session_id":"%s","type":"%s","error":"%v"}`, s.id, ev.Kind(), err)
	}
}

func eventFor(msg models.Message) models.Event {
	if msg.Type == models.MessageTypeError {
		return models.ErrorEvent{ID: msg.ID, Content: msg.Content, Timestamp: msg.Timestamp}
	}
	return models.MessageEvent{Message: msg.Clone()}
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func asProposerError(ctx context.Context, err error) *models.ProposerError {
	var perr *models.ProposerError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewProposerError(models.ProposerErrorTimeout, err)
	}
	return models.NewProposerError(models.ProposerErrorTransport, err)
}

func errorText(err *models.ProposerError) string {
	switch err.Kind {
	case models.ProposerErrorTimeout:
		return "The assistant took too long to respond. Please try again."
	case models.ProposerErrorRejected:
		return fmt.Sprintf("The assistant could not handle that request: %v", err.Err)
	case models.ProposerErrorTransport:
		return "The assistant is unavailable right now. Please try again."
	default:
		return "The assistant returned an unusable response. Please try again."
	}
}

func replyText(result *proposer.Result) string {
	if result.FollowupQuestion != "" {
		return result.FollowupQuestion
	}
	if result.Graph.Complete {
		return "Your pipeline is complete."
	}
	return "I updated the pipeline."
}
