package mcpprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// StreamableTransport implements the streamable HTTP wire protocol: there is
// no handshake, every request is a POST to the base URL, and the server may
// answer with a plain JSON body or stream the reply as server-sent events in
// the POST response. A best-effort background GET picks up server-initiated
// pushes; its failure leaves the connection fully usable in POST-only mode.
// Instances are created with NewStreamableTransport.
type StreamableTransport struct {
	emitter
	baseURL    string
	proxy      ProxyConfig
	headers    http.Header
	httpClient *http.Client

	sess   session
	bodies bodyTracker

	mu         sync.Mutex
	runCtx     context.Context
	cancel     context.CancelFunc
	pushActive bool
}

// NewStreamableTransport creates a transport speaking the streamable HTTP
// protocol against baseURL. The transport is inert until Start is called.
func NewStreamableTransport(baseURL string, options ...TransportOption) *StreamableTransport {
	cfg := newTransportConfig(options)
	return &StreamableTransport{
		emitter:    emitter{onMessage: cfg.onMessage, onError: cfg.onError, logger: cfg.logger},
		baseURL:    baseURL,
		proxy:      cfg.proxy,
		headers:    cfg.headers,
		httpClient: cfg.httpClient,
	}
}

// Start records the POST endpoint and opens the optional push channel. It
// never fails: the first POST is what proves the server reachable.
func (t *StreamableTransport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.runCtx = runCtx
	t.cancel = cancel
	t.mu.Unlock()

	t.sess.setPostURL(effectiveURL(t.baseURL, t.proxy))

	go t.listenPush(runCtx)
	return nil
}

// listenPush opens a GET against the endpoint to receive server-initiated
// messages. Servers are free to not support this; any failure here is logged
// and swallowed. It is retried once a session id is first captured, since
// session-requiring servers reject the GET issued before initialize.
func (t *StreamableTransport) listenPush(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sess.PostURL(), nil)
	if err != nil {
		t.logger.Debug("push channel unavailable", "err", err)
		return
	}
	req.Header.Set("Accept", contentTypeEventStream)
	if sid := t.sess.SessionID(); sid != "" {
		req.Header.Set(headerSessionID, sid)
	}
	mergeHeaders(req, t.headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Debug("push channel unavailable", "err", err)
		}
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || responseContentType(resp) != contentTypeEventStream {
		resp.Body.Close()
		t.logger.Debug("push channel unavailable",
			"status", resp.StatusCode, "contentType", resp.Header.Get("Content-Type"))
		return
	}
	// At most one push stream per connection; a concurrent attempt that also
	// got this far backs off.
	t.mu.Lock()
	if t.pushActive {
		t.mu.Unlock()
		resp.Body.Close()
		return
	}
	t.pushActive = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pushActive = false
		t.mu.Unlock()
	}()

	if !t.bodies.track(resp.Body) {
		return
	}
	defer func() {
		t.bodies.untrack(resp.Body)
		resp.Body.Close()
	}()

	t.sess.setSessionID(resp.Header.Get(headerSessionID))
	t.dispatchStream(ctx, resp.Body, MessageMeta{Source: "get", HTTPStatus: resp.StatusCode, Header: resp.Header})
}

// Send POSTs the message and dispatches whatever the server chose to answer
// with. A session id in the response header is captured and attached to
// every subsequent send for the life of the connection.
func (t *StreamableTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	postURL := t.sess.PostURL()
	if postURL == "" {
		return ErrNotConnected
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeEventStream)
	if sid := t.sess.SessionID(); sid != "" {
		req.Header.Set(headerSessionID, sid)
	}
	mergeHeaders(req, t.headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	if t.sess.setSessionID(resp.Header.Get(headerSessionID)) {
		// The push channel attempted before initialize had no session id to
		// offer; now that one exists, give it another go.
		t.mu.Lock()
		runCtx := t.runCtx
		t.mu.Unlock()
		if runCtx != nil && runCtx.Err() == nil {
			go t.listenPush(runCtx)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return fmt.Errorf("send message: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	meta := MessageMeta{Source: "post", HTTPStatus: resp.StatusCode, Header: resp.Header}

	if responseContentType(resp) == contentTypeEventStream {
		// The server streams the reply for this one call; consume it in the
		// background so concurrent sends are not serialized behind it.
		if !t.bodies.track(resp.Body) {
			return ErrConnectionClosed
		}
		t.mu.Lock()
		runCtx := t.runCtx
		t.mu.Unlock()
		if runCtx == nil {
			runCtx = context.Background()
		}
		go func() {
			defer func() {
				t.bodies.untrack(resp.Body)
				resp.Body.Close()
			}()
			t.dispatchStream(runCtx, resp.Body, meta)
		}()
		return nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if responseContentType(resp) == contentTypeJSON {
		t.dispatchJSON(data, meta)
	} else {
		t.dispatchLines(data, meta)
	}
	return nil
}

// Close aborts the push channel and any streamed responses, then clears
// session state. Safe to call from any state, any number of times.
func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	t.bodies.closeAll()
	t.sess.reset()
	return nil
}

// StreamableServer is a transport-level loopback server speaking the
// streamable HTTP dialect on a single endpoint: POSTs carry requests and are
// answered in the response body, an initialize request mints a session id
// returned in the Mcp-Session-Id header, GETs become push streams, and
// DELETE discards the session. It gives the probe a local target and serves
// as the fake server in tests.
type StreamableServer struct {
	handler ServerHandler
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]struct{}
	streams  map[*streamableStream]struct{}
}

type streamableStream struct {
	mu   sync.Mutex
	sess *sse.Session
	done chan struct{}
}

// NewStreamableServer creates a loopback server answering each inbound
// request with handler. A nil handler accepts messages and answers nothing.
func NewStreamableServer(handler ServerHandler) *StreamableServer {
	return &StreamableServer{
		handler:  handler,
		logger:   slog.Default(),
		sessions: make(map[string]struct{}),
		streams:  make(map[*streamableStream]struct{}),
	}
}

func (s *StreamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.mu.Lock()
		delete(s.sessions, r.Header.Get(headerSessionID))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *StreamableServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
		return
	}

	sid := r.Header.Get(headerSessionID)
	if msg.Method == methodInitialize {
		sid = uuid.New().String()
		s.mu.Lock()
		s.sessions[sid] = struct{}{}
		s.mu.Unlock()
	}
	if sid != "" {
		w.Header().Set(headerSessionID, sid)
	}

	var res *JSONRPCMessage
	if s.handler != nil {
		res = s.handler(msg)
	}
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}

func (s *StreamableServer) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
		return
	}

	stream := &streamableStream{sess: sess, done: make(chan struct{})}
	s.mu.Lock()
	s.streams[stream] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, stream)
		s.mu.Unlock()
	}()

	select {
	case <-r.Context().Done():
	case <-stream.done:
	}
}

// Push broadcasts a server-initiated message to every open push stream.
func (s *StreamableServer) Push(msg JSONRPCMessage) {
	s.mu.Lock()
	streams := make([]*streamableStream, 0, len(s.streams))
	for stream := range s.streams {
		streams = append(streams, stream)
	}
	s.mu.Unlock()

	for _, stream := range streams {
		if err := stream.send(msg); err != nil {
			s.logger.Warn("failed to push message", "err", err)
		}
	}
}

// Close terminates every open push stream.
func (s *StreamableServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for stream := range s.streams {
		close(stream.done)
		delete(s.streams, stream)
	}
}

func (s *streamableStream) send(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sess.Send(sseMsg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}
