package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/wsext/extension"
	"github.com/vitalvas/wsext/pmdeflate"
	"github.com/vitalvas/wsext/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	return cfg
}

// startServer serves s.Handler over httptest and returns the ws:// URL.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestServer(t *testing.T, cfg Config) (*Server, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	s, err := New(cfg, zap.New(core))
	require.NoError(t, err)
	return s, logs
}

func deflateDialer(t *testing.T, cfg pmdeflate.Config) *websocket.Dialer {
	t.Helper()
	d, err := pmdeflate.New(cfg)
	require.NoError(t, err)
	return &websocket.Dialer{Extensions: []extension.Descriptor{d}}
}

func TestNew(t *testing.T) {
	t.Run("Compression enabled", func(t *testing.T) {
		s, err := New(testConfig(), nil)
		require.NoError(t, err)

		d, ok := s.Registry().Lookup(pmdeflate.ExtensionName)
		require.True(t, ok)
		assert.Equal(t, DefaultConfig().ReadLimit, d.(*pmdeflate.Descriptor).Config().MaxMessageSize)
	})

	t.Run("Explicit max message size kept", func(t *testing.T) {
		cfg := testConfig()
		cfg.Compression.MaxMessageSize = 1024

		s, err := New(cfg, nil)
		require.NoError(t, err)

		d, ok := s.Registry().Lookup(pmdeflate.ExtensionName)
		require.True(t, ok)
		assert.Equal(t, int64(1024), d.(*pmdeflate.Descriptor).Config().MaxMessageSize)
	})

	t.Run("Compression disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Compression.Enabled = false

		s, err := New(cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, s.Registry().Len())
	})

	t.Run("Invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Compression.ClientMaxWindowBits = 16

		_, err := New(cfg, nil)
		assert.Error(t, err)
	})
}

func TestServerEcho(t *testing.T) {
	messages := [][]byte{
		[]byte("Hello, WebSocket!"),
		bytes.Repeat([]byte("permessage-deflate "), 1000),
		{},
	}

	tests := []struct {
		name       string
		dialer     func(t *testing.T) *websocket.Dialer
		modify     func(*Config)
		extensions int
	}{
		{
			name:   "Plain client",
			dialer: func(*testing.T) *websocket.Dialer { return &websocket.Dialer{} },
		},
		{
			name:       "Deflate client",
			dialer:     func(t *testing.T) *websocket.Dialer { return deflateDialer(t, pmdeflate.Config{}) },
			extensions: 1,
		},
		{
			name:       "Deflate client with fragmented replies",
			dialer:     func(t *testing.T) *websocket.Dialer { return deflateDialer(t, pmdeflate.Config{ClientNoContextTakeover: true}) },
			modify:     func(c *Config) { c.FragmentSize = 16 },
			extensions: 1,
		},
		{
			name:   "Deflate client against compression disabled",
			dialer: func(t *testing.T) *websocket.Dialer { return deflateDialer(t, pmdeflate.Config{}) },
			modify: func(c *Config) { c.Compression.Enabled = false },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.modify != nil {
				tt.modify(&cfg)
			}
			s, logs := newTestServer(t, cfg)
			url := startServer(t, s)

			conn, resp, err := tt.dialer(t).Dial(url, nil)
			require.NoError(t, err)
			defer conn.Close()

			assert.Len(t, conn.Extensions(), tt.extensions)
			assert.NotEmpty(t, resp.Header.Get(websocket.RequestIDHeader))

			for _, msg := range messages {
				require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, msg))
				mt, got, err := conn.ReadMessage()
				require.NoError(t, err)
				assert.Equal(t, websocket.BinaryMessage, mt)
				assert.Equal(t, msg, got)
			}

			opened := logs.FilterMessage("session opened").All()
			require.Len(t, opened, 1)
			assert.Equal(t, resp.Header.Get(websocket.RequestIDHeader), opened[0].ContextMap()["conn_id"])
		})
	}
}

func TestServerClosesNormallyAfterPeerClose(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	url := startServer(t, s)

	conn, _, err := (&websocket.Dialer{}).Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServerEndpointErrorClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.EchoPath = ""
	s, logs := newTestServer(t, cfg)

	s.Handle("/fail", func() Endpoint {
		return EndpointFunc(func(context.Context, *Session) error {
			return errors.New("endpoint failed")
		})
	})
	url := startServer(t, s)

	conn, _, err := (&websocket.Dialer{}).Dial(url+"/fail", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("session ended").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerRejectsPlainHTTP(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(websocket.RequestIDHeader))
}

func TestServerAllowedOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://allowed.example"}
	s, _ := newTestServer(t, cfg)
	url := startServer(t, s)

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"No origin", "", true},
		{"Allowed origin", "http://allowed.example", true},
		{"Allowed origin case insensitive", "HTTP://ALLOWED.EXAMPLE", true},
		{"Other origin", "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := (&websocket.Dialer{}).Dial(url, header)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				return
			}
			assert.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestSessionConcurrentSend(t *testing.T) {
	const (
		producers = 4
		perSender = 25
	)

	cfg := testConfig()
	cfg.OutboundQueue = 2
	s, _ := newTestServer(t, cfg)

	s.Handle("/burst", func() Endpoint {
		return EndpointFunc(func(ctx context.Context, sess *Session) error {
			var wg sync.WaitGroup
			for p := range producers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range perSender {
						if err := sess.Send(ctx, websocket.TextMessage, fmt.Appendf(nil, "%d-%d", p, i)); err != nil {
							return
						}
					}
				}()
			}
			wg.Wait()

			_, _, err := sess.Receive()
			return err
		})
	})
	url := startServer(t, s)

	conn, _, err := deflateDialer(t, pmdeflate.Config{}).Dial(url+"/burst", nil)
	require.NoError(t, err)
	defer conn.Close()

	next := make([]int, producers)
	for range producers * perSender {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		var p, i int
		_, err = fmt.Sscanf(string(msg), "%d-%d", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, next[p], i, "producer %d out of order", p)
		next[p] = i + 1
	}

	for p := range producers {
		assert.Equal(t, perSender, next[p])
	}
}

func TestSessionSendAfterClose(t *testing.T) {
	cfg := testConfig()
	s, _ := newTestServer(t, cfg)

	result := make(chan error, 1)
	s.Handle("/closed", func() Endpoint {
		return EndpointFunc(func(ctx context.Context, sess *Session) error {
			assert.NotEmpty(t, sess.ID())
			assert.Empty(t, sess.Subprotocol())
			assert.NoError(t, sess.Close(websocket.CloseNormalClosure, "bye"))

			select {
			case <-sess.Done():
			default:
				t.Error("Done not closed")
			}
			result <- sess.Send(ctx, websocket.TextMessage, []byte("late"))
			return nil
		})
	})
	url := startServer(t, s)

	conn, _, err := (&websocket.Dialer{}).Dial(url+"/closed", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "bye", ce.Text)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("endpoint did not finish")
	}
}

func TestSessionSendAfterWriteFailure(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	type outcome struct {
		first, second error
		elapsed       time.Duration
	}
	result := make(chan outcome, 1)
	s.Handle("/broken", func() Endpoint {
		return EndpointFunc(func(ctx context.Context, sess *Session) error {
			// Break the transport under the session writer.
			_ = sess.conn.UnderlyingConn().Close()

			var o outcome
			o.first = sess.Send(ctx, websocket.TextMessage, []byte("lost"))

			sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			start := time.Now()
			o.second = sess.Send(sendCtx, websocket.TextMessage, []byte("after failure"))
			o.elapsed = time.Since(start)

			result <- o
			return o.second
		})
	})
	url := startServer(t, s)

	conn, _, err := (&websocket.Dialer{}).Dial(url+"/broken", nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case o := <-result:
		require.Error(t, o.first)
		require.Error(t, o.second)
		assert.NotErrorIs(t, o.second, context.DeadlineExceeded)
		assert.Equal(t, o.first, o.second)
		assert.Less(t, o.elapsed, time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked after the writer failed")
	}
}

func TestSessionSendContextCanceled(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	result := make(chan error, 1)
	s.Handle("/ctx", func() Endpoint {
		return EndpointFunc(func(ctx context.Context, sess *Session) error {
			ctx, cancel := context.WithCancel(ctx)
			cancel()
			result <- sess.Send(ctx, websocket.TextMessage, []byte("never"))
			return nil
		})
	})
	url := startServer(t, s)

	conn, _, err := (&websocket.Dialer{}).Dial(url+"/ctx", nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case err := <-result:
		// Either select branch may win; a canceled context must not hang.
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a canceled context")
	}
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"Nil", nil, websocket.CloseNormalClosure},
		{"Peer close", &websocket.CloseError{Code: websocket.CloseGoingAway}, websocket.CloseNormalClosure},
		{"Protocol violation", fmt.Errorf("%w: bad", extension.ErrProtocolViolation), websocket.CloseProtocolError},
		{"Too big", extension.ErrMessageTooBig, websocket.CloseMessageTooBig},
		{"Invalid UTF-8", websocket.ErrInvalidUTF8, websocket.CloseInvalidFramePayloadData},
		{"Other", errors.New("boom"), websocket.CloseInternalServerErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, closeCode(tt.err))
		})
	}
}

func TestServerServe(t *testing.T) {
	s, err := New(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- s.Serve(ctx, ln)
	}()

	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatal("server not ready")
	}

	assert.ErrorIs(t, s.Serve(ctx, ln), ErrAlreadyServing)

	conn, _, err := deflateDialer(t, pmdeflate.Config{}).Dial("ws://"+ln.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg)

	cancel()

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServerMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	s, _ := newTestServer(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(ctx, ln)
	}()
	<-s.Ready()

	url := "ws://" + ln.Addr().String() + "/"
	first, _, err := (&websocket.Dialer{}).Dial(url, nil)
	require.NoError(t, err)

	second := &websocket.Dialer{HandshakeTimeout: 100 * time.Millisecond}
	_, _, err = second.Dial(url, nil)
	assert.Error(t, err, "second connection must wait for a free slot")

	first.Close()
	assert.Eventually(t, func() bool {
		conn, _, err := second.Dial(url, nil)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-served)
}

func TestServerListenAndServeError(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "256.0.0.1:0"
	s, _ := newTestServer(t, cfg)

	err := s.ListenAndServe(context.Background())
	assert.Error(t, err)
}
