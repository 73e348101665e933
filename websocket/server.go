package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitalvas/wsext/extension"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// WebSocket protocol constants per RFC 6455.
const (
	// websocketGUID is the globally unique identifier for WebSocket handshake
	// per RFC 6455, section 4.2.2, item 5.4.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// websocketVersion is the WebSocket protocol version per RFC 6455, section 4.2.1, item 6.
	websocketVersion = "13"

	// RequestIDHeader carries the connection id when set by a middleware.
	RequestIDHeader = "X-Request-ID"
)

// handshakeHeaders are written by Upgrade itself and never copied from the
// caller's response header.
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-WebSocket-Accept",
	"Sec-WebSocket-Protocol",
	"Sec-WebSocket-Extensions",
}

func isHandshakeHeader(name string) bool {
	return slices.ContainsFunc(handshakeHeaders, func(h string) bool {
		return strings.EqualFold(h, name)
	})
}

// Upgrader specifies parameters for upgrading an HTTP connection to a WebSocket connection.
type Upgrader struct {
	// HandshakeTimeout specifies the duration for the handshake to complete.
	HandshakeTimeout time.Duration

	// ReadBufferSize and WriteBufferSize specify I/O buffer sizes in bytes.
	ReadBufferSize  int
	WriteBufferSize int

	// ReadLimit caps the size of inbound messages. Zero means no limit.
	ReadLimit int64

	// FragmentSize splits outbound messages into frames of this many
	// payload bytes. Zero sends single-frame messages.
	FragmentSize int

	// Subprotocols specifies the server's supported protocols in order of preference.
	Subprotocols []string

	// Extensions holds the extensions the server is willing to negotiate.
	// A nil registry disables extensions.
	Extensions *extension.Registry

	// Logger receives handshake and connection events. Nil disables logging.
	Logger *zap.Logger

	// Error specifies the function for generating HTTP error responses.
	Error func(w http.ResponseWriter, r *http.Request, status int, reason error)

	// CheckOrigin returns true if the request Origin header is acceptable.
	CheckOrigin func(r *http.Request) bool
}

func (u *Upgrader) returnError(w http.ResponseWriter, r *http.Request, status int, reason error) error {
	if u.Error != nil {
		u.Error(w, r, status, reason)
	} else {
		http.Error(w, reason.Error(), status)
	}
	if errors.Is(reason, ErrBadHandshake) {
		return reason
	}
	return fmt.Errorf("%w: %w", ErrBadHandshake, reason)
}

func (u *Upgrader) logger() *zap.Logger {
	if u.Logger == nil {
		return zap.NewNop()
	}
	return u.Logger
}

func (u *Upgrader) selectSubprotocol(r *http.Request) string {
	clientProtocols := Subprotocols(r)
	for _, serverProtocol := range u.Subprotocols {
		if slices.Contains(clientProtocols, serverProtocol) {
			return serverProtocol
		}
	}
	return ""
}

// Upgrade upgrades the HTTP server connection to the WebSocket protocol.
// This implements the server-side opening handshake per RFC 6455, section 4.2.2,
// including extension negotiation per RFC 6455, section 9.1.
//
// A malformed Sec-WebSocket-Extensions header fails the handshake with 400.
// Offers that are well formed but unacceptable are declined without failing.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*Conn, error) {
	if r.Method != http.MethodGet {
		return nil, u.returnError(w, r, http.StatusMethodNotAllowed, ErrBadHandshake)
	}

	if !IsWebSocketUpgrade(r) {
		return nil, u.returnError(w, r, http.StatusBadRequest, ErrBadHandshake)
	}

	// Check WebSocket version per RFC 6455, section 4.2.1, item 6.
	if r.Header.Get("Sec-WebSocket-Version") != websocketVersion {
		w.Header().Set("Sec-WebSocket-Version", websocketVersion)
		return nil, u.returnError(w, r, http.StatusBadRequest, errors.New("websocket: unsupported version"))
	}

	checkOrigin := u.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		return nil, u.returnError(w, r, http.StatusForbidden, errors.New("websocket: origin not allowed"))
	}

	// Extract challenge key per RFC 6455, section 4.2.1, item 5.
	challengeKey := r.Header.Get("Sec-WebSocket-Key")
	if !validChallengeKey(challengeKey) {
		return nil, u.returnError(w, r, http.StatusBadRequest, errors.New("websocket: missing or invalid Sec-WebSocket-Key"))
	}

	offers, err := extension.ParseHeader(r.Header.Values("Sec-WebSocket-Extensions"))
	if err != nil {
		return nil, u.returnError(w, r, http.StatusBadRequest, err)
	}

	connID := r.Header.Get(RequestIDHeader)
	if connID == "" {
		connID = uuid.NewString()
	}
	logger := u.logger().With(
		zap.String("conn_id", connID),
		zap.String("remote", r.RemoteAddr),
	)

	agreed, declined := extension.Negotiate(offers, u.Extensions)
	for _, d := range declined {
		logger.Debug("extension offer declined",
			zap.String("offer", d.Offer.String()),
			zap.Error(d.Err),
		)
	}

	chain, err := extension.NewChain(agreed, extension.Server)
	if err != nil {
		logger.Error("extension setup failed", zap.Error(err))
		return nil, u.returnError(w, r, http.StatusInternalServerError, err)
	}

	subprotocol := u.selectSubprotocol(r)

	h, ok := w.(http.Hijacker)
	if !ok {
		_ = chain.Close()
		return nil, u.returnError(w, r, http.StatusInternalServerError, errors.New("websocket: response does not implement http.Hijacker"))
	}

	netConn, brw, err := h.Hijack()
	if err != nil {
		_ = chain.Close()
		return nil, u.returnError(w, r, http.StatusInternalServerError, err)
	}

	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(u.HandshakeTimeout))
	}

	// Send server handshake response per RFC 6455, section 4.2.2.
	buf := brw.Writer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: ")
	buf.WriteString(computeAcceptKey(challengeKey))
	buf.WriteString("\r\n")

	if subprotocol != "" {
		buf.WriteString("Sec-WebSocket-Protocol: ")
		buf.WriteString(subprotocol)
		buf.WriteString("\r\n")
	}

	if len(agreed) > 0 {
		buf.WriteString("Sec-WebSocket-Extensions: ")
		buf.WriteString(extension.FormatHeader(agreed))
		buf.WriteString("\r\n")
	}

	for k, vs := range responseHeader {
		if !httpguts.ValidHeaderFieldName(k) || isHandshakeHeader(k) {
			continue
		}
		for _, v := range vs {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}

	buf.WriteString("\r\n")

	if err := buf.Flush(); err != nil {
		netConn.Close()
		_ = chain.Close()
		return nil, err
	}

	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Time{})
	}

	var br = brw.Reader
	if br.Buffered() == 0 {
		br = nil
	}

	conn := newConn(netConn, br, true, u.ReadBufferSize, u.WriteBufferSize)
	conn.subprotocol = subprotocol
	conn.setExtensions(agreed, chain)
	conn.SetReadLimit(u.ReadLimit)
	conn.SetFragmentSize(u.FragmentSize)
	conn.setLogger(logger.With(zap.Strings("extensions", chain.Names())))

	conn.logger.Debug("connection upgraded", zap.String("subprotocol", subprotocol))

	return conn, nil
}

// validChallengeKey reports whether key is the base64 encoding of 16 bytes
// per RFC 6455, section 4.1, item 7.
func validChallengeKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}

// computeAcceptKey computes the Sec-WebSocket-Accept value per RFC 6455, section 4.2.2, item 5.4.
// The accept key is the base64-encoded SHA-1 hash of the challenge key concatenated with the GUID.
func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.EqualFold(origin, "http://"+r.Host) || strings.EqualFold(origin, "https://"+r.Host)
}

// Subprotocols returns the subprotocols requested by the client in the
// Sec-WebSocket-Protocol header per RFC 6455, section 11.3.4.
func Subprotocols(r *http.Request) []string {
	h := r.Header.Values("Sec-WebSocket-Protocol")
	if len(h) == 0 {
		return nil
	}
	var protocols []string
	for _, s := range h {
		for _, p := range strings.Split(s, ",") {
			p = strings.TrimSpace(p)
			if p != "" && httpguts.ValidHeaderFieldValue(p) {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

// IsWebSocketUpgrade returns true if the client sent a WebSocket upgrade request
// per RFC 6455, section 4.2.1, items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header.Values("Connection"), "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header.Values("Upgrade"), "websocket")
}
