// Package websocket implements the WebSocket protocol defined in RFC 6455
// with pluggable extensions negotiated per RFC 6455, section 9.
//
// This package provides:
//   - Server-side connection upgrading via Upgrader
//   - Client-side connection dialing via Dialer
//   - Extension negotiation against an extension.Registry
//   - A frame Pipeline that reassembles fragments and runs whole messages
//     through the negotiated extension chain
//
// Server Example:
//
//	deflate, err := pmdeflate.New(pmdeflate.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	registry, err := extension.NewRegistry(deflate)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	upgrader := websocket.Upgrader{Extensions: registry}
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := upgrader.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    defer conn.Close()
//
//	    for {
//	        messageType, p, err := conn.ReadMessage()
//	        if err != nil {
//	            return
//	        }
//	        if err := conn.WriteMessage(messageType, p); err != nil {
//	            return
//	        }
//	    }
//	}
//
// Client Example:
//
//	dialer := websocket.Dialer{Extensions: []extension.Descriptor{deflate}}
//	conn, _, err := dialer.Dial("ws://localhost:7777/", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
// Concurrency:
//
// Connections support one concurrent reader and one concurrent writer.
// Write methods (NextWriter, WriteMessage, WriteControl) serialize on an
// internal lock, and so do the read methods (NextReader, ReadMessage).
// Inbound and outbound messages use independent extension contexts, so a
// reader and a writer goroutine never contend for codec state.
//
// The Close method can be called concurrently with other methods, but not
// from within a ping, pong or close handler.
//
// Origin Checking:
//
// If CheckOrigin is nil, the Upgrader uses a safe default that rejects
// cross-origin requests.
//
// Failing the Connection:
//
// Protocol violations, corrupt compressed data, invalid UTF-8 in text
// messages and oversized messages end the connection. ReadMessage sends the
// close frame chosen by CloseCodeFor before returning the error.
package websocket
