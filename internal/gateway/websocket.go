package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/metrics"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/orchestration"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// SessionSocket serves the session protocol over a WebSocket
type SessionSocket struct {
	manager  *orchestration.Manager
	metrics  *metrics.TurnMetrics
	tracer   trace.Tracer
	upgrader websocket.Upgrader
}

// NewSessionSocket creates the WebSocket endpoint. tm may be nil.
func NewSessionSocket(manager *orchestration.Manager, tm *metrics.TurnMetrics) *SessionSocket {
	return &SessionSocket{
		manager: manager,
		metrics: tm,
		tracer:  otel.Tracer("session-socket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to the builder UI origin once it has a fixed host
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Stream handles WebSocket /api/ws/sessions/:session_id
// @Summary Stream a pipeline-building session
// @Description Bidirectional session protocol. Inbound START, MESSAGE, CLEAR and GET_NODE_DATA; outbound MESSAGE, STATUS, THOUGHT, ERROR and NODE_DATA. The transcript is replayed on connect.
// @Tags sessions
// @Param session_id path string true "Session ID"
// @Success 101 "Switching Protocols"
// @Failure 400 {object} models.ErrorResponse
// @Router /ws/sessions/{session_id} [get]
func (s *SessionSocket) Stream(c *gin.Context) {
	ctx, span := s.tracer.Start(c.Request.Context(), "session_socket.stream")
	defer span.End()

	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "session_id is required", Code: models.ErrCodeInvalidRequest})
		return
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"error","message":"Failed to upgrade connection","session_id":"%s","error":"%v"}`, sessionID, err)
		return
	}

	sc := newSessionConn(conn)
	go sc.writePump()

	session := s.manager.Attach(sessionID, sc)
	log.Printf(`{"level":"info","message":"Client attached","session_id":"%s","remote":"%s"}`, sessionID, c.ClientIP())

	err = s.readPump(ctx, session, sc)
	session.Detach(sc)
	sc.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, errConnClosed) {
		span.RecordError(err)
		log.Printf(`{"level":"warn","message":"Client connection ended","session_id":"%s","error":"%v"}`, sessionID, err)
		return
	}
	log.Printf(`{"level":"info","message":"Client detached","session_id":"%s"}`, sessionID)
}

// readPump decodes inbound frames until the connection fails. Malformed
// frames are dropped without touching session state.
func (s *SessionSocket) readPump(ctx context.Context, session *orchestration.Session, sc *sessionConn) error {
	conn := sc.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sc.isClosed() {
				return errConnClosed
			}
			return err
		}

		ev, err := models.DecodeEvent(data)
		if err == nil {
			err = session.HandleEvent(ev)
		}
		if err == nil {
			continue
		}

		var decodeErr *models.ProtocolDecodeError
		switch {
		case errors.As(err, &decodeErr):
			s.metrics.RecordDecodeError(ctx, decodeErr.Reason)
			log.Printf(`{"level":"warn","message":"Dropped malformed message","session_id":"%s","reason":"%s"}`, session.ID(), decodeErr.Reason)
		case errors.Is(err, models.ErrSessionBusy):
			log.Printf(`{"level":"warn","message":"Session busy, message dropped","session_id":"%s"}`, session.ID())
		default:
			log.Printf(`{"level":"warn","message":"Inbound message rejected","session_id":"%s","error":"%v"}`, session.ID(), err)
		}
	}
}

// sessionConn is the orchestration.Sink for one WebSocket. Send only
// enqueues; writePump owns every write to the socket.
type sessionConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSessionConn(conn *websocket.Conn) *sessionConn {
	return &sessionConn{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send encodes ev and queues it. A client that cannot keep up is
// disconnected; it recovers the transcript on reconnect.
func (c *sessionConn) Send(ev models.Event) error {
	data, err := models.EncodeEvent(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.Close()
		return errSlowConsumer
	}
}

// Close stops the write pump, which then closes the socket
func (c *sessionConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *sessionConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *sessionConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// flush writes whatever is already queued before the close frame
func (c *sessionConn) flush() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
