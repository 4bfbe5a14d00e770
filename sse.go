package mcpprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport implements the legacy SSE wire protocol: a hanging GET
// carries server events, the first of which is an "endpoint" event naming
// the URL that subsequent JSON-RPC bodies are POSTed to. Start completes
// only once that endpoint has been resolved, not merely on HTTP 200.
// Instances are created with NewSSETransport.
type SSETransport struct {
	emitter
	baseURL    string
	proxy      ProxyConfig
	headers    http.Header
	httpClient *http.Client

	sess   session
	bodies bodyTracker

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSSETransport creates a transport speaking the legacy SSE protocol
// against baseURL. The transport is inert until Start is called.
func NewSSETransport(baseURL string, options ...TransportOption) *SSETransport {
	cfg := newTransportConfig(options)
	return &SSETransport{
		emitter:    emitter{onMessage: cfg.onMessage, onError: cfg.onError, logger: cfg.logger},
		baseURL:    baseURL,
		proxy:      cfg.proxy,
		headers:    cfg.headers,
		httpClient: cfg.httpClient,
	}
}

// Start issues the connecting GET and blocks until the server announces the
// message endpoint, the context is cancelled, or the connection fails.
func (t *SSETransport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	connectURL := effectiveURL(t.baseURL, t.proxy)
	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create connect request: %w", err)
	}
	req.Header.Set("Accept", contentTypeEventStream)
	mergeHeaders(req, t.headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("connect to %s: %w", connectURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("connect to %s: unexpected status %d", connectURL, resp.StatusCode)
	}
	if !t.bodies.track(resp.Body) {
		cancel()
		return ErrConnectionClosed
	}

	ready := make(chan error, 1)
	go t.listen(runCtx, resp.Body, ready)

	select {
	case err := <-ready:
		if err != nil {
			t.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// listen consumes the event stream. The endpoint event resolves the POST
// target against the original un-proxied base URL, applies the proxy prefix
// last, and signals readiness exactly once.
func (t *SSETransport) listen(ctx context.Context, body io.ReadCloser, ready chan<- error) {
	defer func() {
		t.bodies.untrack(body)
		body.Close()
	}()

	endpointSeen := false
	for f, err := range readFrames(body) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !endpointSeen {
				ready <- fmt.Errorf("read event stream: %w", err)
				return
			}
			t.emitError(fmt.Errorf("read event stream: %w", err))
			return
		}

		switch f.event {
		case "endpoint":
			if endpointSeen {
				t.logger.Warn("ignoring duplicate endpoint event")
				continue
			}
			resolved, err := resolveEndpoint(t.baseURL, f.data)
			if err != nil {
				ready <- fmt.Errorf("resolve endpoint: %w", err)
				return
			}
			t.sess.setPostURL(effectiveURL(resolved, t.proxy))
			endpointSeen = true
			ready <- nil
		case "message":
			if !endpointSeen {
				t.logger.Error("received message before endpoint event")
				continue
			}
			t.dispatchJSON([]byte(f.data), MessageMeta{Source: "stream"})
		default:
			t.logger.Debug("ignoring event", "type", f.event)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if !endpointSeen {
		ready <- errors.New("stream closed before endpoint event")
		return
	}
	t.emitError(errors.New("event stream ended"))
}

// Send POSTs the message to the resolved endpoint. The real reply normally
// arrives over the event stream; a non-empty POST response body is fed
// through the same dispatch path as a secondary delivery for servers that
// answer synchronously.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	postURL := t.sess.PostURL()
	if postURL == "" {
		return errNoEndpoint
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
	mergeHeaders(req, t.headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send message: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	meta := MessageMeta{Source: "post", HTTPStatus: resp.StatusCode, Header: resp.Header}
	switch responseContentType(resp) {
	case contentTypeEventStream:
		var p frameParser
		for _, f := range p.push(data) {
			if f.event == "message" {
				t.dispatchJSON([]byte(f.data), meta)
			}
		}
	case contentTypeJSON:
		t.dispatchJSON(data, meta)
	default:
		t.dispatchLines(data, meta)
	}
	return nil
}

// Close aborts the hanging GET and clears session state. Safe to call from
// any state, any number of times.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	t.bodies.closeAll()
	t.sess.reset()
	return nil
}

// ServerHandler produces the response for one inbound request on a loopback
// server. Returning nil sends nothing, which is how notifications are
// consumed.
type ServerHandler func(msg JSONRPCMessage) *JSONRPCMessage

// SSEServer is a transport-level loopback server speaking the legacy SSE
// dialect: HandleSSE upgrades GETs to event streams and announces a
// per-session message endpoint, HandleMessage accepts POSTed JSON-RPC bodies
// and delivers the handler's responses over the stream. It gives the probe a
// local target and serves as the fake server in tests.
type SSEServer struct {
	messageURL string
	handler    ServerHandler
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseStream
}

type sseStream struct {
	mu   sync.Mutex
	sess *sse.Session
	done chan struct{}
}

// NewSSEServer creates a loopback server whose endpoint events point clients
// at messageURL. Each inbound request is answered by handler; a nil handler
// accepts messages and answers nothing.
func NewSSEServer(messageURL string, handler ServerHandler) *SSEServer {
	return &SSEServer{
		messageURL: messageURL,
		handler:    handler,
		logger:     slog.Default(),
		sessions:   make(map[string]*sseStream),
	}
}

// HandleSSE returns the handler for the connecting GET. It upgrades the
// request to an event stream, assigns a session id, and emits the endpoint
// event before any message traffic.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
			return
		}

		id := uuid.New().String()
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, id)

		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", "err", err)
			return
		}

		stream := &sseStream{sess: sess, done: make(chan struct{})}
		s.mu.Lock()
		s.sessions[id] = stream
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
		}()

		// Keep the GET open until the client goes away or the server stops.
		select {
		case <-r.Context().Done():
		case <-stream.done:
		}
	})
}

// HandleMessage returns the handler for the per-session POST endpoint. The
// POST is acknowledged with 202 Accepted; the handler's response travels
// back over the event stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("sessionID")
		if id == "" {
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		stream := s.sessions[id]
		s.mu.Unlock()
		if stream == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)

		if s.handler == nil {
			return
		}
		go func() {
			if res := s.handler(msg); res != nil {
				if err := stream.send(*res); err != nil {
					s.logger.Warn("failed to send response", "err", err)
				}
			}
		}()
	})
}

// Push broadcasts a server-initiated message to every connected session.
func (s *SSEServer) Push(msg JSONRPCMessage) {
	s.mu.Lock()
	streams := make([]*sseStream, 0, len(s.sessions))
	for _, stream := range s.sessions {
		streams = append(streams, stream)
	}
	s.mu.Unlock()

	for _, stream := range streams {
		if err := stream.send(msg); err != nil {
			s.logger.Warn("failed to push message", "err", err)
		}
	}
}

// Close terminates every open session stream.
func (s *SSEServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stream := range s.sessions {
		close(stream.done)
		delete(s.sessions, id)
	}
}

func (s *sseStream) send(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	// The sse library session is not safe for concurrent writers.
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
