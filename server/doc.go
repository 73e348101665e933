// Package server hosts WebSocket endpoints on top of package websocket.
//
// A Server is built from a Config and owns one extension.Registry for its
// whole lifetime. Endpoints are registered by path with Handle; every
// accepted connection gets a fresh Endpoint from its factory and a Session
// through which it receives assembled, decoded messages and sends replies.
// Negotiated extensions stay invisible to endpoint code.
//
// Example:
//
//	cfg, err := server.LoadConfig("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger, err := server.NewLogger(cfg.Log)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Handle("/chat", func() server.Endpoint { return newChat() })
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := srv.ListenAndServe(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
