package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitalvas/wsext/extension"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// DefaultDialer is a dialer with all fields set to the default values.
var DefaultDialer = &Dialer{}

// Dialer contains options for connecting to WebSocket server.
type Dialer struct {
	// NetDialContext specifies the dial function for creating TCP connections with context.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// NetDialTLSContext specifies the dial function for creating TLS connections with context.
	NetDialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig specifies the TLS configuration to use with tls.Client.
	TLSClientConfig *tls.Config

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

	// Subprotocols specifies the client's requested subprotocols.
	Subprotocols []string

	// Extensions are offered to the server in order. The server's response
	// is validated against them and any violation fails the handshake.
	Extensions []extension.Descriptor

	// Logger receives connection events. Nil disables logging.
	Logger *zap.Logger
}

// Dial creates a new client connection to the WebSocket server.
func (d *Dialer) Dial(urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	return d.DialContext(context.Background(), urlStr, requestHeader)
}

// DialContext creates a new client connection with the provided context.
// This implements the client-side opening handshake per RFC 6455, section 4.1.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, err
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, nil, errors.New("websocket: bad scheme")
	}

	if u.Host == "" {
		return nil, nil, errors.New("websocket: empty host")
	}

	hostPort := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "http":
			hostPort = net.JoinHostPort(u.Hostname(), "80")
		case "https":
			hostPort = net.JoinHostPort(u.Hostname(), "443")
		}
	}

	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}

	netConn, err := d.dial(ctx, u, hostPort)
	if err != nil {
		return nil, nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			netConn.Close()
			return nil, nil, err
		}
	}

	conn, resp, err := d.doHandshake(netConn, u, requestHeader)
	if err != nil {
		netConn.Close()
		return nil, resp, err
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, resp, err
	}

	return conn, resp, nil
}

func (d *Dialer) dial(ctx context.Context, u *url.URL, hostPort string) (net.Conn, error) {
	if u.Scheme == "https" {
		if d.NetDialTLSContext != nil {
			return d.NetDialTLSContext(ctx, "tcp", hostPort)
		}
		return d.dialTLS(ctx, hostPort, u.Hostname())
	}

	if d.NetDialContext != nil {
		return d.NetDialContext(ctx, "tcp", hostPort)
	}

	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", hostPort)
}

func (d *Dialer) dialTLS(ctx context.Context, hostPort, serverName string) (net.Conn, error) {
	tlsConfig := d.TLSClientConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}

	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		netConn.Close()
		return nil, err
	}

	return tlsConn, nil
}

// doHandshake performs the client-side opening handshake per RFC 6455, section 4.1.
func (d *Dialer) doHandshake(netConn net.Conn, u *url.URL, requestHeader http.Header) (*Conn, *http.Response, error) {
	challengeKey := generateChallengeKey()

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}

	for k, vs := range requestHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	// Set required headers per RFC 6455, section 4.1.
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)

	if len(d.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(d.Subprotocols, ", "))
	}

	if len(d.Extensions) > 0 {
		req.Header.Set("Sec-WebSocket-Extensions", extension.FormatOffers(extension.Offers(d.Extensions)))
	}

	if err := req.Write(netConn); err != nil {
		return nil, nil, err
	}

	br := bufio.NewReaderSize(netConn, max(d.ReadBufferSize, defaultReadBufferSize))
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, nil, err
	}

	// Validate server response per RFC 6455, section 4.1.
	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer resp.Body.Close()
		return nil, resp, ErrBadHandshake
	}

	if !httpguts.HeaderValuesContainsToken(resp.Header.Values("Upgrade"), "websocket") ||
		!httpguts.HeaderValuesContainsToken(resp.Header.Values("Connection"), "upgrade") {
		return nil, resp, ErrBadHandshake
	}

	// Validate Sec-WebSocket-Accept per RFC 6455, section 4.2.2, item 5.4.
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(challengeKey) {
		return nil, resp, ErrBadHandshake
	}

	// The server must return a subprotocol that was requested by the client.
	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if subprotocol != "" && !slices.Contains(d.Subprotocols, subprotocol) {
		return nil, resp, ErrBadHandshake
	}

	response, err := extension.ParseHeader(resp.Header.Values("Sec-WebSocket-Extensions"))
	if err != nil {
		return nil, resp, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	agreed, err := extension.Accept(response, d.Extensions)
	if err != nil {
		return nil, resp, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	chain, err := extension.NewChain(agreed, extension.Client)
	if err != nil {
		return nil, resp, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}

	if br.Buffered() == 0 {
		br = nil
	}

	conn := newConn(netConn, br, false, d.ReadBufferSize, d.WriteBufferSize)
	conn.subprotocol = subprotocol
	conn.setExtensions(agreed, chain)
	conn.SetReadLimit(d.ReadLimit)
	conn.SetFragmentSize(d.FragmentSize)
	if d.Logger != nil {
		conn.setLogger(d.Logger.With(
			zap.String("conn_id", uuid.NewString()),
			zap.String("remote", netConn.RemoteAddr().String()),
			zap.Strings("extensions", chain.Names()),
		))
	}

	return conn, resp, nil
}

// generateChallengeKey generates a 16-byte random key encoded in base64
// per RFC 6455, section 4.1.
func generateChallengeKey() string {
	key := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}
