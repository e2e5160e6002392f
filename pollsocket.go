// Package pollsocket provides a polled, callback-driven WebSocket client
// engine.
//
// A [Context] owns one transport shared by every [Connection]. Nothing
// happens on the network side of the engine until the embedding
// application calls [Context.Tick]: each Tick offers every session a
// writable slot, dispatches pending socket events through one protocol
// callback, and then delivers the resulting application events.
//
// # Thread Safety
//
// [Context] and [Connection] are safe for concurrent use. All transport
// work is serialized by a single lock held by the context. Event handlers
// run after that lock is released, so they may call back into the engine.
//
// # Basic Usage
//
//	ctx := pollsocket.NewContext(pollsocket.WithLogger(slog.Default()))
//	if err := ctx.Create(); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	conn, err := ctx.ConnectWithHeaders("ws://example.test:9001/chat",
//	    map[string]string{"X-Session": "abc123"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn.OnConnectComplete(func() {
//	    conn.SendText("ping")
//	})
//	conn.OnReceiveData(func(text string) {
//	    fmt.Println(text)
//	})
//
//	for {
//	    ctx.Tick(16 * time.Millisecond)
//	    time.Sleep(16 * time.Millisecond)
//	}
//
// # Transports
//
// The default transport is built on github.com/coder/websocket. Any
// [Transport] can be plugged in with [WithTransportFactory]; it must only
// invoke the protocol callback from inside [Transport.Service].
package pollsocket
