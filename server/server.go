package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/vitalvas/wsext/extension"
	"github.com/vitalvas/wsext/pmdeflate"
	"github.com/vitalvas/wsext/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// ErrAlreadyServing is returned by Serve when the server is already running.
var ErrAlreadyServing = errors.New("server: already serving")

// Server hosts WebSocket endpoints with a fixed extension registry. The
// registry is built once in New and shared by every connection.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	registry *extension.Registry
	upgrader *websocket.Upgrader
	mux      *http.ServeMux

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	serving  bool
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// New builds a server from cfg. The echo endpoint is registered on
// cfg.EchoPath when set. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var descs []extension.Descriptor
	if cfg.Compression.Enabled {
		if cfg.Compression.MaxMessageSize == 0 {
			cfg.Compression.MaxMessageSize = cfg.ReadLimit
		}
		d, err := pmdeflate.New(cfg.Compression.Config)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	reg, err := extension.NewRegistry(descs...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		mux:      http.NewServeMux(),
		ready:    make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}

	s.upgrader = &websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		ReadLimit:        cfg.ReadLimit,
		FragmentSize:     cfg.FragmentSize,
		Extensions:       reg,
		Logger:           logger,
		CheckOrigin:      s.checkOrigin,
	}

	if cfg.EchoPath != "" {
		s.Handle(cfg.EchoPath, Echo)
	}

	return s, nil
}

// Registry returns the extensions the server negotiates.
func (s *Server) Registry() *extension.Registry {
	return s.registry
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handle registers factory for WebSocket upgrades on pattern. Patterns follow
// http.ServeMux.
func (s *Server) Handle(pattern string, factory EndpointFactory) {
	s.mux.Handle(pattern, s.endpointHandler(pattern, factory))
}

// Handler returns the HTTP handler with request ID and recovery middleware
// applied.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		RequestIDMiddleware(RequestIDConfig{}),
		RecoveryMiddleware(s.logger),
	)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.ContainsFunc(s.cfg.AllowedOrigins, func(o string) bool {
		return strings.EqualFold(o, origin)
	})
}

func (s *Server) endpointHandler(pattern string, factory EndpointFactory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := RequestIDFromContext(r.Context())

		var header http.Header
		if id != "" {
			header = http.Header{websocket.RequestIDHeader: {id}}
		}

		conn, err := s.upgrader.Upgrade(w, r, header)
		if err != nil {
			s.logger.Debug("upgrade rejected", zap.String("path", r.URL.Path), zap.Error(err))
			return
		}

		logger := s.logger.With(
			zap.String("conn_id", id),
			zap.String("endpoint", pattern),
			zap.String("remote", r.RemoteAddr),
		)

		sess := newSession(id, conn, s.cfg.OutboundQueue, logger)
		if !s.track(sess) {
			_ = sess.Close(websocket.CloseGoingAway, "")
			return
		}
		defer s.untrack(sess)

		names := make([]string, 0, len(sess.Extensions()))
		for _, a := range sess.Extensions() {
			names = append(names, a.String())
		}
		logger.Info("session opened", zap.Strings("extensions", names))

		err = factory().Serve(r.Context(), sess)
		code := closeCode(err)
		if err != nil {
			logger.Info("session ended", zap.Int("close_code", code), zap.Error(err))
		} else {
			logger.Info("session ended", zap.Int("close_code", code))
		}

		if cerr := sess.Close(code, ""); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			logger.Debug("session close", zap.Error(cerr))
		}
	})
}

// track registers sess unless the server is shutting down.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions == nil {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	if s.sessions != nil {
		delete(s.sessions, sess)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// closeSessions closes every open session with CloseGoingAway and stops
// accepting new ones.
func (s *Server) closeSessions() error {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessions = nil
	s.mu.Unlock()

	var err error
	for _, sess := range open {
		if cerr := sess.Close(websocket.CloseGoingAway, "server shutdown"); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// Serve accepts connections on ln until ctx is done. On shutdown open
// sessions receive CloseGoingAway, and Serve returns once every endpoint has
// returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.serving = true
	s.mu.Unlock()

	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.HandshakeTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		shutdownErr <- multierr.Append(err, s.closeSessions())
	}()

	s.logger.Info("server ready",
		zap.String("addr", ln.Addr().String()),
		zap.Strings("extensions", s.registryNames()),
	)
	s.readyOnce.Do(func() { close(s.ready) })

	err := httpServer.Serve(ln)
	cancel()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	err = multierr.Append(err, <-shutdownErr)

	s.wg.Wait()
	s.logger.Info("server stopped")
	return err
}

// ListenAndServe listens on cfg.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) registryNames() []string {
	descs := s.registry.Descriptors()
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name())
	}
	return names
}
