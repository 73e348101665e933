package websocket

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vitalvas/wsext/extension"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// closeTimeout bounds writes of close frames and automatic pongs.
const closeTimeout = 5 * time.Second

// Conn represents a WebSocket connection.
type Conn struct {
	netConn     net.Conn
	br          io.Reader
	isServer    bool
	subprotocol string
	agreed      []extension.Agreed
	pipeline    *Pipeline
	logger      *zap.Logger

	readMu    sync.Mutex
	readLimit int64
	readErr   error
	readBuf   []byte

	writeMu         sync.Mutex
	writeErr        error
	writeBuf        []byte
	writeBufferSize int
	fragmentSize    int

	pingHandler  func(appData string) error
	pongHandler  func(appData string) error
	closeHandler func(code int, text string) error

	closeOnce sync.Once
	closeErr  error
}

// newConn wraps netConn. br carries bytes the handshake already buffered; when
// nil a fresh reader of readBufferSize is used.
func newConn(netConn net.Conn, br *bufio.Reader, isServer bool, readBufferSize, writeBufferSize int) *Conn {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBufferSize
	}
	if writeBufferSize <= 0 {
		writeBufferSize = defaultWriteBufferSize
	}
	if br == nil {
		br = bufio.NewReaderSize(netConn, readBufferSize)
	}

	c := &Conn{
		netConn:         netConn,
		br:              br,
		isServer:        isServer,
		pipeline:        NewPipeline(nil),
		logger:          zap.NewNop(),
		readBuf:         make([]byte, maxFrameHeaderSize),
		writeBuf:        make([]byte, 0, writeBufferSize+maxFrameHeaderSize),
		writeBufferSize: writeBufferSize,
	}

	c.SetPingHandler(nil)
	c.SetPongHandler(nil)
	c.SetCloseHandler(nil)

	return c
}

// setExtensions installs the negotiated extensions. It is called once, before
// the connection is handed out.
func (c *Conn) setExtensions(agreed []extension.Agreed, chain *extension.Chain) {
	c.agreed = agreed
	c.pipeline = NewPipeline(chain)
	c.pipeline.SetReadLimit(c.readLimit)
}

func (c *Conn) setLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Subprotocol returns the negotiated subprotocol for the connection.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Extensions returns the extensions agreed during the handshake, in the order
// they apply to outbound messages. The result is fixed for the lifetime of the
// connection.
func (c *Conn) Extensions() []extension.Agreed {
	return append([]extension.Agreed(nil), c.agreed...)
}

// Close closes the underlying connection and releases the extension codecs.
// It must not be called from a ping, pong or close handler.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.netConn.Close()

		c.readMu.Lock()
		c.writeMu.Lock()
		err = multierr.Append(err, c.pipeline.Close())
		if c.writeErr == nil {
			c.writeErr = ErrWriteToClosedConnection
		}
		c.writeMu.Unlock()
		c.readMu.Unlock()

		c.closeErr = err
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// UnderlyingConn returns the underlying net.Conn.
func (c *Conn) UnderlyingConn() net.Conn {
	return c.netConn
}

// SetReadDeadline sets the read deadline on the underlying network connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.netConn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying network connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.netConn.SetWriteDeadline(t)
}

// SetReadLimit sets the maximum size in bytes for a message read from the
// peer, measured both on the wire and after extension decoding.
func (c *Conn) SetReadLimit(limit int64) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.readLimit = limit
	c.pipeline.SetReadLimit(limit)
}

// SetFragmentSize splits outbound messages into frames of at most size
// payload bytes. Zero sends every message as a single frame.
func (c *Conn) SetFragmentSize(size int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.fragmentSize = size
}

// SetPingHandler sets the handler for ping messages received from the peer.
func (c *Conn) SetPingHandler(h func(appData string) error) {
	if h == nil {
		h = func(appData string) error {
			return c.WriteControl(PongMessage, []byte(appData), time.Now().Add(closeTimeout))
		}
	}
	c.pingHandler = h
}

// SetPongHandler sets the handler for pong messages received from the peer.
func (c *Conn) SetPongHandler(h func(appData string) error) {
	if h == nil {
		h = func(_ string) error { return nil }
	}
	c.pongHandler = h
}

// SetCloseHandler sets the handler for close messages received from the peer.
// The default handler echoes the close code back.
func (c *Conn) SetCloseHandler(h func(code int, text string) error) {
	if h == nil {
		h = func(code int, _ string) error {
			_ = c.WriteControl(CloseMessage, FormatCloseMessage(code, ""), time.Now().Add(closeTimeout))
			return nil
		}
	}
	c.closeHandler = h
}

// EnableWriteCompression enables or disables the negotiated extension
// transforms for outgoing messages. It is a no-op when nothing was
// negotiated.
func (c *Conn) EnableWriteCompression(enable bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.pipeline.EnableWriteCompression(enable)
}

// WriteControl writes a control message with the given deadline.
func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f, err := c.pipeline.Control(messageType, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	_ = c.netConn.SetWriteDeadline(deadline)
	err = c.writeFrame(f)
	_ = c.netConn.SetWriteDeadline(time.Time{})

	if err != nil {
		c.writeErr = err
		return err
	}
	if messageType == CloseMessage {
		c.writeErr = ErrCloseSent
	}
	return nil
}

// WriteMessage encodes data through the negotiated extensions and writes it
// as one message.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	if messageType != TextMessage && messageType != BinaryMessage {
		return ErrInvalidMessageType
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	frames, err := c.pipeline.Send(messageType, data, c.fragmentSize)
	if err != nil {
		// The outbound codec context is in an unknown state.
		c.writeErr = err
		return err
	}

	for _, f := range frames {
		if err := c.writeFrame(f); err != nil {
			c.writeErr = err
			return err
		}
	}
	return nil
}

// NextWriter returns a writer for the next message to send. The message is
// buffered and handed to WriteMessage when the writer is closed, since
// extensions transform whole messages.
func (c *Conn) NextWriter(messageType int) (io.WriteCloser, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, ErrInvalidMessageType
	}

	c.writeMu.Lock()
	err := c.writeErr
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	return &messageWriter{c: c, messageType: messageType}, nil
}

// writeFrame must be called with writeMu held.
func (c *Conn) writeFrame(f Frame) error {
	buf := appendFrame(c.writeBuf[:0], f, !c.isServer)
	_, err := c.netConn.Write(buf)
	if cap(buf) <= c.writeBufferSize+maxFrameHeaderSize {
		c.writeBuf = buf[:0]
	}
	return err
}

// ReadMessage reads the next data message from the connection. Control
// frames received in between are dispatched to their handlers. A fatal
// protocol error sends the matching close frame before it is returned.
func (c *Conn) ReadMessage() (messageType int, p []byte, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readErr != nil {
		return 0, nil, c.readErr
	}

	for {
		f, err := readFrame(c.br, c.readBuf, c.isServer, c.readLimit)
		if err != nil {
			return 0, nil, c.failRead(err)
		}

		msg, ok, err := c.pipeline.Receive(f)
		if err != nil {
			return 0, nil, c.failRead(err)
		}
		if !ok {
			continue
		}

		switch msg.Type {
		case PingMessage:
			if err := c.pingHandler(string(msg.Payload)); err != nil {
				c.readErr = err
				return 0, nil, err
			}
		case PongMessage:
			if err := c.pongHandler(string(msg.Payload)); err != nil {
				c.readErr = err
				return 0, nil, err
			}
		case CloseMessage:
			code, text, err := parseClosePayload(msg.Payload)
			if err != nil {
				return 0, nil, c.failRead(err)
			}
			if err := c.closeHandler(code, text); err != nil {
				c.readErr = err
				return 0, nil, err
			}
			c.readErr = &CloseError{Code: code, Text: text}
			return 0, nil, c.readErr
		default:
			return msg.Type, msg.Payload, nil
		}
	}
}

// NextReader returns a reader over the next data message.
func (c *Conn) NextReader() (messageType int, r io.Reader, err error) {
	messageType, p, err := c.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return messageType, bytes.NewReader(p), nil
}

// failRead records err as the terminal read error and, when err is a
// protocol failure, fails the connection with the matching close code.
func (c *Conn) failRead(err error) error {
	c.readErr = err

	code, ok := CloseCodeFor(err)
	if !ok {
		return err
	}

	c.logger.Debug("failing connection",
		zap.Int("close_code", code),
		zap.Error(err),
	)
	if werr := c.WriteControl(CloseMessage, FormatCloseMessage(code, ""), time.Now().Add(closeTimeout)); werr != nil {
		c.logger.Debug("close frame not sent", zap.Error(werr))
	}
	return err
}

type messageWriter struct {
	c           *Conn
	messageType int
	buf         bytes.Buffer
	closed      bool
}

func (w *messageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriteToClosedConnection
	}
	return w.buf.Write(p)
}

func (w *messageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.c.WriteMessage(w.messageType, w.buf.Bytes())
}
