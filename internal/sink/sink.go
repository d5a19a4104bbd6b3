// Package sink composes the destinations the mixer's output FLV byte stream
// is written to: standard output, an optional rotating local file
// (internal/flv.WriteFullTag consumers write through it directly), and an
// optional WebSocket broadcaster for browser-side debugging, all fanned out
// behind a single io.Writer so the mixer never knows how many sinks are
// attached.
package sink

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	rerrors "github.com/alxayo/rtmpjoin/internal/errors"
)

// MultiSink fans writes out to every attached io.Writer. A write error on
// any member sink is logged and that sink is detached; the overall Write
// only fails if every attached sink fails.
type MultiSink struct {
	mu   sync.Mutex
	subs []io.Writer
	log  *slog.Logger
}

// New creates a MultiSink with the given initial writers (e.g. os.Stdout,
// a rotating file). Additional writers (WebSocket clients) may be attached
// later with Attach.
func New(log *slog.Logger, writers ...io.Writer) *MultiSink {
	return &MultiSink{subs: append([]io.Writer{}, writers...), log: log}
}

// Attach adds another writer to the fan-out set.
func (m *MultiSink) Attach(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, w)
}

// Detach removes a writer from the fan-out set (identity comparison).
func (m *MultiSink) Detach(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == w {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Write implements io.Writer, fanning p out to every attached sink.
func (m *MultiSink) Write(p []byte) (int, error) {
	m.mu.Lock()
	subs := append([]io.Writer{}, m.subs...)
	m.mu.Unlock()

	if len(subs) == 0 {
		return len(p), nil
	}
	okCount := 0
	for _, w := range subs {
		if _, err := w.Write(p); err != nil {
			if m.log != nil {
				m.log.Warn("sink write failed, detaching", "error", err)
			}
			m.Detach(w)
			continue
		}
		okCount++
	}
	if okCount == 0 {
		return 0, rerrors.NewIo("sink.write", io.ErrClosedPipe)
	}
	return len(p), nil
}

// wsConn wraps a gorilla/websocket connection as an io.Writer emitting
// binary frames, so it can be attached to a MultiSink like any other sink.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WebSocketBroadcaster accepts browser/debug clients over WebSocket and
// republishes every byte written to it as binary frames.
type WebSocketBroadcaster struct {
	upgrader websocket.Upgrader
	log      *slog.Logger
	target   *MultiSink
}

// NewWebSocketBroadcaster creates a broadcaster that attaches each accepted
// client connection to target.
func NewWebSocketBroadcaster(target *MultiSink, log *slog.Logger) *WebSocketBroadcaster {
	return &WebSocketBroadcaster{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
		target:   target,
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and attaches it
// to the MultiSink for the lifetime of the socket.
func (b *WebSocketBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if b.log != nil {
			b.log.Warn("websocket upgrade failed", "error", err)
		}
		return
	}
	ws := &wsConn{c: conn}
	b.target.Attach(ws)
	go func() {
		defer func() {
			b.target.Detach(ws)
			_ = conn.Close()
		}()
		// Drain and discard any client-sent frames; this is a read-only feed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Serve starts an HTTP server hosting the broadcaster at "/" until ctx is
// cancelled.
func Serve(ctx context.Context, addr string, b *WebSocketBroadcaster) error {
	mux := http.NewServeMux()
	mux.Handle("/", b)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return rerrors.NewIo("sink.websocket_serve", err)
	}
	return nil
}
