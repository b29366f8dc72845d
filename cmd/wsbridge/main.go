// Command wsbridge exposes the same framed CPP stream cmd/bridge speaks
// on stdio over a WebSocket instead, one independent bridge instance
// per connection. Adapted from the predecessor's subprocess-over-
// WebSocket piping: instead of piping to a spawned agent binary's
// stdin/stdout, each connection's raw byte stream is wired directly to
// an in-process cppserver.Server, so the framing and session state stay
// inside this process rather than crossing an extra exec boundary.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/cpp-acp-bridge/config"
	"github.com/m4xw311/cpp-acp-bridge/cppserver"
	"github.com/m4xw311/cpp-acp-bridge/logging"
	"github.com/m4xw311/cpp-acp-bridge/proxy"
	"github.com/m4xw311/cpp-acp-bridge/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	backendFlag := flag.String("backend", "", "ACP backend identifier override for every connection")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *backendFlag != "" {
		cfg.Backend = *backendFlag
	}

	log := logging.Default("wsbridge", logging.ParseLevel(cfg.LogLevel))

	http.HandleFunc("/ws", handleWS(cfg, log))
	fmt.Printf("WebSocket bridge running on ws://localhost%s/ws\n", *addr)
	stdlog.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(cfg *config.Config, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warning("websocket upgrade: %v", err)
			return
		}
		defer ws.Close()

		pr, pw := io.Pipe()
		go pumpInbound(ws, pw)

		conn := transport.NewConn(pr, wsWriter{ws}, wsTransportLogger{log})

		manager := proxy.New(cfg, log)
		server := cppserver.New(conn, manager, cfg, log)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		defer manager.CloseAll()

		if err := server.Serve(ctx); err != nil {
			log.Debug("websocket connection closed: %v", err)
		}
	}
}

// pumpInbound forwards every inbound WebSocket message's raw bytes into
// pw, in order; transport.Conn's bufio.Reader reassembles Content-Length
// frames out of them regardless of how they were chunked into WS
// messages; it closes pw with the read error (including a clean close)
// once the socket is done.
func pumpInbound(ws *websocket.Conn, pw *io.PipeWriter) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := pw.Write(data); err != nil {
			return
		}
	}
}

// wsWriter adapts transport.Conn's byte-stream writes (one per
// WriteMessage call's header, one for its body) onto discrete
// WebSocket binary frames; the receiving pumpInbound/bufio.Reader pair
// reassembles them regardless of this chunking.
type wsWriter struct{ ws *websocket.Conn }

func (w wsWriter) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type wsTransportLogger struct{ log *logging.Logger }

func (t wsTransportLogger) Warning(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Warning(format, a...)
	}
}
func (t wsTransportLogger) Debug(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Debug(format, a...)
	}
}
