package mcpprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
)

// Sentinel errors covering the externally visible failure modes.
var (
	// ErrConnectionClosed rejects pending requests when the caller
	// disconnects before their responses arrive.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout rejects a request that saw no matching response
	// within the deadline. It is terminal for that one request only.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("client is not connected")

	// ErrMalformedMessage tags payloads that failed to decode as JSON-RPC.
	// A malformed payload is a skipped delivery, not a connection failure;
	// handlers can use errors.Is to tell it apart from stream-level errors.
	ErrMalformedMessage = errors.New("malformed message")

	// errNoEndpoint rejects sends attempted before the SSE endpoint event
	// delivered the POST target.
	errNoEndpoint = errors.New("no message endpoint resolved yet")
)

// TransportKind selects the wire protocol used to reach a server.
type TransportKind string

const (
	// TransportSSE is the legacy protocol: a hanging GET for server events
	// plus POSTs to an endpoint announced over that stream.
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP multiplexes requests, responses and server
	// pushes over plain POST/GET against a single endpoint.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// MessageMeta carries transport-level context alongside an inbound message.
// It is purely informational; correctness never depends on it.
type MessageMeta struct {
	// Source names the delivery path: "stream", "post" or "get".
	Source string
	// HTTPStatus is the status of the HTTP exchange that carried the
	// message, when one applies.
	HTTPStatus int
	// Header holds the response headers of that exchange.
	Header http.Header
}

// MessageHandler receives every inbound JSON-RPC message.
type MessageHandler func(msg JSONRPCMessage, meta MessageMeta)

// ErrorHandler receives transport and protocol errors that are not tied to a
// specific pending request.
type ErrorHandler func(err error)

// Transport is the capability shared by the two wire protocols: establish
// the channel, send messages, tear down. Inbound messages and errors are
// emitted through the handlers the transport was constructed with.
type Transport interface {
	// Start establishes the connection and returns once the transport is
	// ready to Send. The context bounds both the handshake and the lifetime
	// of any background receive stream.
	Start(ctx context.Context) error

	// Send transmits one JSON-RPC message to the server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close aborts in-flight network operations and clears session state.
	// It is safe to call more than once.
	Close() error
}

type transportConfig struct {
	httpClient *http.Client
	headers    http.Header
	proxy      ProxyConfig
	logger     *slog.Logger
	onMessage  MessageHandler
	onError    ErrorHandler
}

// TransportOption configures a transport at construction time.
type TransportOption func(*transportConfig)

// WithHTTPClient sets the HTTP client used for all requests. The default
// HTTP client is used if this option is not given.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(cfg *transportConfig) {
		cfg.httpClient = c
	}
}

// WithHeaders sets custom headers merged into every outbound request.
func WithHeaders(h http.Header) TransportOption {
	return func(cfg *transportConfig) {
		cfg.headers = h
	}
}

// WithProxy routes every dialed URL through a CORS relay.
func WithProxy(p ProxyConfig) TransportOption {
	return func(cfg *transportConfig) {
		cfg.proxy = p
	}
}

// WithTransportLogger sets the logger for the transport.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(cfg *transportConfig) {
		cfg.logger = l
	}
}

// WithMessageHandler sets the handler invoked for every inbound message.
func WithMessageHandler(h MessageHandler) TransportOption {
	return func(cfg *transportConfig) {
		cfg.onMessage = h
	}
}

// WithErrorHandler sets the handler invoked for transport errors.
func WithErrorHandler(h ErrorHandler) TransportOption {
	return func(cfg *transportConfig) {
		cfg.onError = h
	}
}

func newTransportConfig(options []TransportOption) transportConfig {
	cfg := transportConfig{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// emitter fans decoded JSON-RPC messages and errors out to the registered
// handlers. Nil handlers drop silently.
type emitter struct {
	onMessage MessageHandler
	onError   ErrorHandler
	logger    *slog.Logger
}

func (e *emitter) emit(msg JSONRPCMessage, meta MessageMeta) {
	if e.onMessage != nil {
		e.onMessage(msg, meta)
	}
}

func (e *emitter) emitError(err error) {
	e.logger.Error("transport error", "err", err)
	if e.onError != nil {
		e.onError(err)
	}
}

// emitMalformed reports a payload that failed to decode. The error is tagged
// with ErrMalformedMessage and never terminates the stream it came from.
func (e *emitter) emitMalformed(err error) {
	err = fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	e.logger.Warn("skipping malformed payload", "err", err)
	if e.onError != nil {
		e.onError(err)
	}
}

// dispatchJSON decodes data as one JSON-RPC message or an array of messages
// and emits each. Malformed payloads are reported without terminating
// anything; a bad frame never tears down the connection.
func (e *emitter) dispatchJSON(data []byte, meta MessageMeta) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}

	if data[0] == '[' {
		var msgs []JSONRPCMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			e.emitMalformed(fmt.Errorf("parse message batch: %w", err))
			return
		}
		for _, msg := range msgs {
			e.emit(msg, meta)
		}
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		e.emitMalformed(fmt.Errorf("parse message: %w", err))
		return
	}
	e.emit(msg, meta)
}

// dispatchLines treats data as newline-delimited JSON, the defensive path
// for servers that answer with an unexpected content type. Lines that do not
// parse are skipped quietly; this path is best-effort by contract.
func (e *emitter) dispatchLines(data []byte, meta MessageMeta) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			e.logger.Debug("skipping non-JSON line in response body", "err", err)
			continue
		}
		e.emit(msg, meta)
	}
}

// dispatchStream frames r as server-sent events and emits each "message"
// event. Read failures after the context is cancelled are a normal shutdown.
func (e *emitter) dispatchStream(ctx context.Context, r io.Reader, meta MessageMeta) {
	for f, err := range readFrames(r) {
		if err != nil {
			if ctx.Err() == nil {
				e.emitError(fmt.Errorf("read event stream: %w", err))
			}
			return
		}
		if f.event != "message" {
			e.logger.Debug("ignoring event", "type", f.event)
			continue
		}
		e.dispatchJSON([]byte(f.data), meta)
	}
}

// bodyTracker remembers open response bodies so Close can abort their reads
// without waiting for in-flight network calls to settle.
type bodyTracker struct {
	mu     sync.Mutex
	closed bool
	bodies map[io.Closer]struct{}
}

// track registers body unless the tracker is already closed, in which case
// it closes the body immediately and reports false.
func (t *bodyTracker) track(body io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		body.Close()
		return false
	}
	if t.bodies == nil {
		t.bodies = make(map[io.Closer]struct{})
	}
	t.bodies[body] = struct{}{}
	return true
}

func (t *bodyTracker) untrack(body io.Closer) {
	t.mu.Lock()
	delete(t.bodies, body)
	t.mu.Unlock()
}

// closeAll closes every tracked body and refuses further tracking. Safe to
// call more than once.
func (t *bodyTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for body := range t.bodies {
		body.Close()
	}
	t.bodies = nil
}

// mergeHeaders copies the caller-supplied headers into an outbound request,
// leaving transport-set headers in place unless explicitly overridden.
func mergeHeaders(req *http.Request, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

// responseContentType extracts the media type of a response, ignoring
// parameters such as charset.
func responseContentType(resp *http.Response) string {
	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return resp.Header.Get("Content-Type")
	}
	return ct
}
