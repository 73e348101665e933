package server

import (
	"context"

	"github.com/vitalvas/wsext/websocket"
)

// Endpoint handles one session. Serve returns when the session is over; a
// nil error closes the connection normally.
type Endpoint interface {
	Serve(ctx context.Context, s *Session) error
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, s *Session) error

func (f EndpointFunc) Serve(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// EndpointFactory returns a fresh Endpoint for each accepted session.
type EndpointFactory func() Endpoint

// Echo returns an endpoint that sends every message back with its type
// unchanged. It ends cleanly when the peer closes.
func Echo() Endpoint {
	return EndpointFunc(func(ctx context.Context, s *Session) error {
		for {
			mt, p, err := s.Receive()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return nil
				}
				return err
			}

			if err := s.Send(ctx, mt, p); err != nil {
				return err
			}
		}
	})
}
