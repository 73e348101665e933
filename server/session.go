package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vitalvas/wsext/extension"
	"github.com/vitalvas/wsext/websocket"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned by Send after the session was closed.
var ErrSessionClosed = errors.New("server: session closed")

const closeWriteTimeout = 5 * time.Second

type outbound struct {
	messageType int
	payload     []byte
	result      chan error
}

// Session is one accepted connection as seen by an Endpoint. Messages are
// delivered assembled and decoded; the extension pipeline is invisible.
//
// Send may be called from any number of goroutines. A single writer
// goroutine drains the queue, so messages go out in the order Send accepted
// them. Receive must be called from one goroutine at a time.
type Session struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	queue chan outbound
	done  chan struct{}

	// writerDone is closed when writeLoop exits; writeErr is set before.
	writerDone chan struct{}
	writeErr   error

	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, conn *websocket.Conn, queueLen int, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		id:     id,
		conn:   conn,
		logger: logger,
		queue:  make(chan outbound, max(queueLen, 1)),
		done:   make(chan struct{}),

		writerDone: make(chan struct{}),
	}

	go s.writeLoop()

	return s
}

// ID returns the session's request ID.
func (s *Session) ID() string {
	return s.id
}

// Subprotocol returns the negotiated subprotocol.
func (s *Session) Subprotocol() string {
	return s.conn.Subprotocol()
}

// Extensions returns the extensions in use, in composition order.
func (s *Session) Extensions() []extension.Agreed {
	return s.conn.Extensions()
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Receive returns the next complete message. Control frames are handled
// internally. A close from the peer is returned as a *websocket.CloseError.
func (s *Session) Receive() (messageType int, payload []byte, err error) {
	return s.conn.ReadMessage()
}

// Send queues a data message and waits until it is written, ctx is done, or
// the session closes. Once a write has failed every later Send returns that
// error.
func (s *Session) Send(ctx context.Context, messageType int, payload []byte) error {
	msg := outbound{
		messageType: messageType,
		payload:     payload,
		result:      make(chan error, 1),
	}

	select {
	case <-s.writerDone:
		return s.writerError()
	default:
	}

	select {
	case s.queue <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.writerDone:
		return s.writerError()
	}

	select {
	case err := <-msg.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.writerDone:
		// The writer may have finished this message right before exiting.
		select {
		case err := <-msg.result:
			return err
		default:
			return s.writerError()
		}
	}
}

// writerError must only be called after writerDone is closed.
func (s *Session) writerError() error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return ErrSessionClosed
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case msg := <-s.queue:
			err := s.conn.WriteMessage(msg.messageType, msg.payload)
			msg.result <- err
			if err != nil {
				s.logger.Debug("session write failed", zap.Error(err))
				s.writeErr = err
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the writer and closes the connection. A close frame with code
// and reason goes out first when the connection is still writable. Only the
// first call has an effect.
func (s *Session) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		<-s.writerDone

		err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, websocket.ErrWriteToClosedConnection) {
			s.logger.Debug("close frame not sent", zap.Error(err))
		}

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// closeCode picks the close frame for the result of an endpoint.
func closeCode(err error) int {
	if err == nil {
		return websocket.CloseNormalClosure
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return websocket.CloseNormalClosure
	}
	if code, ok := websocket.CloseCodeFor(err); ok {
		return code
	}
	return websocket.CloseInternalServerErr
}
