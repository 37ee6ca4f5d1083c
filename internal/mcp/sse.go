package mcp

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/foreman/internal/log"
)

// DefaultKeepalive is the SSE comment-ping cadence when none is configured.
const DefaultKeepalive = 15 * time.Second

const outboundBuffer = 32

// SSETransport carries the MCP server over HTTP: clients open a GET event
// stream, learn their session-scoped POST endpoint from the first event,
// and send JSON-RPC messages there. Responses come back on the stream.
type SSETransport struct {
	server    *Server
	keepalive time.Duration

	mu    sync.Mutex
	conns map[string]*sseConn
}

type sseConn struct {
	state *Conn
	out   chan []byte
}

// NewSSETransport wraps server in an SSE transport. keepalive <= 0 uses
// DefaultKeepalive.
func NewSSETransport(server *Server, keepalive time.Duration) *SSETransport {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &SSETransport{
		server:    server,
		keepalive: keepalive,
		conns:     make(map[string]*sseConn),
	}
}

// Handler returns the HTTP handler exposing the stream endpoint at /sse
// and the message endpoint at /message.
func (t *SSETransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", t.handleStream)
	mux.HandleFunc("/message", t.handleMessage)
	return mux
}

// ConnectionCount returns the number of live event streams.
func (t *SSETransport) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *SSETransport) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	conn := &sseConn{
		state: NewConn(),
		out:   make(chan []byte, outboundBuffer),
	}
	t.mu.Lock()
	t.conns[id] = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.conns, id)
		t.mu.Unlock()
		log.Debug(log.CatMCP, "Stream closed", "session", id)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// First event tells the client where to POST its messages.
	fmt.Fprintf(w, "event: endpoint\ndata: /message?session=%s\n\n", id)
	flusher.Flush()
	log.Debug(log.CatMCP, "Stream open", "session", id)

	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-conn.out:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			// Comment line keeps idle proxies from dropping the stream.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (t *SSETransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session")
	t.mu.Lock()
	conn, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	resp := t.server.HandleMessage(r.Context(), conn.state, body)
	if resp != nil {
		// A response must reach the stream or the request hangs forever on
		// the client. Block until the stream drains or the request dies.
		select {
		case conn.out <- resp:
		case <-r.Context().Done():
			log.Warn(log.CatMCP, "Response undeliverable, request cancelled", "session", id)
			http.Error(w, "Stream backed up", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}
