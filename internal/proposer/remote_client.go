package proposer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// Stream event types sent by the remote proposer service
const (
	StreamEventThought = "thought"
	StreamEventResult  = "result"
	StreamEventError   = "error"
	StreamEventEnd     = "end"
)

// StreamEvent represents one WebSocket frame from the proposer service
type StreamEvent struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// StreamRequest is the first frame sent to the proposer service
type StreamRequest struct {
	TraceID string `json:"trace_id"`
	Request
}

// RemoteClient talks to an external graph proposer over WebSocket
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
	dialer     websocket.Dialer
	tracer     trace.Tracer
	breaker    *gobreaker.TwoStepCircuitBreaker
}

// NewRemoteClient creates a proposer client for the service at baseURL
func NewRemoteClient(baseURL string) *RemoteClient {
	settings := gobreaker.Settings{
		Name:        "graph-proposer",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf(`{"level":"warn","message":"Circuit breaker state change","breaker":"%s","from":"%s","to":"%s"}`, name, from, to)
		},
	}

	return &RemoteClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		tracer:  otel.Tracer("graph-proposer-client"),
		breaker: gobreaker.NewTwoStepCircuitBreaker(settings),
	}
}

// Propose opens a proposal stream for one turn
func (c *RemoteClient) Propose(ctx context.Context, req Request) (Stream, error) {
	ctx, span := c.tracer.Start(ctx, "graph_proposer.propose")

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.Bool("has_prior_graph", req.PriorGraph != nil),
	)

	done, err := c.breaker.Allow()
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, models.NewProposerError(models.ProposerErrorTransport, fmt.Errorf("circuit breaker: %w", err))
	}

	conn, err := c.dial(ctx)
	if err != nil {
		done(false)
		span.RecordError(err)
		span.End()
		return nil, classify(ctx, err)
	}

	frame := StreamRequest{TraceID: uuid.New().String(), Request: req}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		done(false)
		span.RecordError(err)
		span.End()
		return nil, classify(ctx, err)
	}

	return newRemoteStream(ctx, conn, span, done), nil
}

// dial establishes the WebSocket connection to the proposer stream endpoint
func (c *RemoteClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	u.Path = "/propose/stream"

	headers := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("failed to dial proposer (status %d): %s, error: %w", resp.StatusCode, string(bodyBytes), err)
		}
		return nil, fmt.Errorf("failed to dial proposer: %w", err)
	}
	return conn, nil
}

// IsHealthy checks whether the proposer service is reachable
func (c *RemoteClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "graph_proposer.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))
	return healthy
}

// remoteStream adapts a proposer WebSocket into a Stream
type remoteStream struct {
	ctx  context.Context
	conn *websocket.Conn
	span trace.Span
	done func(success bool)

	once     sync.Once
	stop     chan struct{}
	result   bool
	finished bool
}

func newRemoteStream(ctx context.Context, conn *websocket.Conn, span trace.Span, done func(bool)) *remoteStream {
	s := &remoteStream{
		ctx:  ctx,
		conn: conn,
		span: span,
		done: done,
		stop: make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	// Unblock ReadJSON when the turn is cancelled
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-s.stop:
		}
	}()

	return s
}

func (s *remoteStream) Recv() (*Event, error) {
	if s.finished {
		return nil, io.EOF
	}

	for {
		var frame StreamEvent
		if err := s.conn.ReadJSON(&frame); err != nil {
			if s.result && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return s.finish()
			}
			return s.fail(classify(s.ctx, err))
		}

		switch frame.EventType {
		case StreamEventThought:
			if s.result {
				return s.fail(models.NewProposerError(models.ProposerErrorMalformed, errors.New("thought after result")))
			}
			content, _ := frame.Data["content"].(string)
			return &Event{Thought: content}, nil

		case StreamEventResult:
			if s.result {
				return s.fail(models.NewProposerError(models.ProposerErrorMalformed, errors.New("duplicate result")))
			}
			result, err := decodeResult(frame.Data)
			if err != nil {
				return s.fail(models.NewProposerError(models.ProposerErrorMalformed, err))
			}
			s.result = true
			s.span.SetAttributes(
				attribute.Int("graph.nodes", len(result.Graph.Nodes)),
				attribute.Bool("graph.complete", result.Graph.Complete),
			)
			return &Event{Result: result}, nil

		case StreamEventError:
			message, _ := frame.Data["error"].(string)
			if message == "" {
				message = "proposer reported an error"
			}
			return s.fail(models.NewProposerError(models.ProposerErrorRejected, errors.New(message)))

		case StreamEventEnd:
			if !s.result {
				return s.fail(models.NewProposerError(models.ProposerErrorMalformed, errors.New("stream ended without result")))
			}
			return s.finish()

		default:
			log.Printf(`{"level":"debug","message":"Ignoring proposer stream event","event_type":"%s"}`, frame.EventType)
		}
	}
}

func (s *remoteStream) finish() (*Event, error) {
	s.finished = true
	s.release(true)
	return nil, io.EOF
}

func (s *remoteStream) fail(err error) (*Event, error) {
	s.finished = true
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.release(false)
	return nil, err
}

func (s *remoteStream) release(success bool) {
	s.once.Do(func() {
		close(s.stop)
		s.done(success)
		s.span.End()
	})
}

func (s *remoteStream) Close() error {
	s.release(s.result)
	return s.conn.Close()
}

// decodeResult converts a loosely typed result payload into a Result
func decodeResult(data map[string]interface{}) (*Result, error) {
	if data == nil {
		return nil, errors.New("result without data")
	}
	if _, ok := data["graph"]; !ok {
		return nil, errors.New("result without graph")
	}

	var result Result
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &result,
		WeaklyTypedInput: false,
		ErrorUnused:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// classify maps a transport-level failure onto a ProposerError
func classify(ctx context.Context, err error) error {
	var proposerErr *models.ProposerError
	if errors.As(err, &proposerErr) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewProposerError(models.ProposerErrorTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewProposerError(models.ProposerErrorTimeout, err)
	}
	return models.NewProposerError(models.ProposerErrorTransport, err)
}
