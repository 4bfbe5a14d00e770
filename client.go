package mcpprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnectionStatus reflects where the client's single connection is in its
// lifecycle.
type ConnectionStatus string

// Connection lifecycle states.
const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	// StatusError marks a connection degraded by a mid-stream failure. The
	// POST send path may keep working; teardown is the caller's call.
	StatusError ConnectionStatus = "error"
)

// Direction tags a logged message as outgoing or incoming.
type Direction string

// Message directions for the observability log.
const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// MessageKind classifies a JSON-RPC message by its populated fields.
type MessageKind string

// Message kinds for the observability log.
const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindNotification MessageKind = "notification"
)

// MessageLogFunc observes every message the client sends or receives,
// tagged with direction and kind. Meta is additive context and may be empty.
type MessageLogFunc func(dir Direction, kind MessageKind, msg JSONRPCMessage, meta MessageMeta)

// Client is the entry point for probing an MCP server. It owns at most one
// transport at a time, drives the initialize handshake on connect, and
// correlates requests with their asynchronous responses. A Client is created
// with NewClient and is safe for concurrent use.
type Client struct {
	info           Info
	logger         *slog.Logger
	httpClient     *http.Client
	requestTimeout time.Duration
	onLog          MessageLogFunc
	onError        ErrorHandler
	onNotification MessageHandler

	mu         sync.Mutex
	status     ConnectionStatus
	transport  Transport
	corr       *correlator
	serverInfo Info
	serverCaps ServerCapabilities
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client and its transports.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClientHTTPClient sets the HTTP client used for all requests.
func WithClientHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithRequestTimeout sets how long a request may wait for its response
// before it is failed with ErrRequestTimeout. Defaults to 30 seconds.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithMessageLog registers an observer for every sent and received message.
func WithMessageLog(fn MessageLogFunc) ClientOption {
	return func(c *Client) {
		c.onLog = fn
	}
}

// WithClientErrorHandler registers a handler for transport errors that are
// not tied to a specific request.
func WithClientErrorHandler(h ErrorHandler) ClientOption {
	return func(c *Client) {
		c.onError = h
	}
}

// WithNotificationHandler registers a handler for unsolicited server
// messages: notifications and server-initiated requests the probe does not
// answer itself.
func WithNotificationHandler(h MessageHandler) ClientOption {
	return func(c *Client) {
		c.onNotification = h
	}
}

// NewClient creates a client identifying itself as info. The client is not
// connected until Connect is called.
func NewClient(info Info, options ...ClientOption) *Client {
	c := &Client{
		info:   info,
		logger: slog.Default(),
		status: StatusDisconnected,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

// Connect dials baseURL over the selected transport kind, optionally through
// a CORS relay, and performs the MCP initialize handshake. Exactly one
// connection is live per client; connecting while connected is an error.
// Each successful Connect starts a fresh request-id sequence at 0.
func (c *Client) Connect(
	ctx context.Context,
	kind TransportKind,
	baseURL string,
	proxy ProxyConfig,
	headers http.Header,
) error {
	opts := []TransportOption{
		WithHTTPClient(c.httpClient),
		WithHeaders(headers),
		WithProxy(proxy),
		WithTransportLogger(c.logger),
		WithMessageHandler(c.handleInbound),
		WithErrorHandler(c.handleTransportError),
	}

	var tr Transport
	switch kind {
	case TransportSSE:
		tr = NewSSETransport(baseURL, opts...)
	case TransportStreamableHTTP:
		tr = NewStreamableTransport(baseURL, opts...)
	default:
		return fmt.Errorf("unknown transport kind %q", kind)
	}

	c.mu.Lock()
	if c.transport != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.status = StatusConnecting
	c.transport = tr
	c.corr = newCorrelator(c.requestTimeout)
	c.mu.Unlock()

	if err := tr.Start(ctx); err != nil {
		c.Disconnect()
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.status = StatusConnected
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		c.Disconnect()
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// Disconnect tears down the connection: in-flight network operations are
// aborted and every outstanding request is failed locally with
// ErrConnectionClosed, without waiting on the network. It is idempotent and
// safe to call from any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	tr, corr := c.transport, c.corr
	c.transport = nil
	c.corr = nil
	c.serverInfo = Info{}
	c.serverCaps = ServerCapabilities{}
	c.status = StatusDisconnected
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	if corr != nil {
		corr.cancelAll(ErrConnectionClosed)
	}
}

// Status reports the connection's lifecycle state.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ServerInfo returns the identity the server reported during initialize.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server reported during
// initialize.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// SendRequest issues a JSON-RPC request and waits for the matching response,
// the per-request timeout, or context cancellation, whichever comes first. A
// timed-out request does not affect other in-flight requests or the
// connection itself.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	c.mu.Lock()
	tr, corr := c.transport, c.corr
	c.mu.Unlock()
	if tr == nil || corr == nil {
		return nil, ErrNotConnected
	}

	msg, outcome := corr.issue(method, paramsBs, nil)
	c.logMessage(DirectionOut, msg, MessageMeta{})

	if err := tr.Send(ctx, msg); err != nil {
		corr.fail(msg.ID, err)
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case out := <-outcome:
		return out.result, out.err
	case <-ctx.Done():
		corr.fail(msg.ID, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendNotification sends a JSON-RPC notification; no response is expected.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}
	c.logMessage(DirectionOut, msg, MessageMeta{})

	if err := tr.Send(ctx, msg); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// Ping checks that the server still answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SendRequest(ctx, methodPing, nil)
	return err
}

// ListTools retrieves a paginated list of the server's tools.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.requestInto(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool executes a tool and returns its result.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	err := c.requestInto(ctx, MethodToolsCall, params, &result)
	return result, err
}

// ListResources retrieves a paginated list of the server's resources.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.requestInto(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource retrieves the contents of a specific resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.requestInto(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListPrompts retrieves a paginated list of the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	var result ListPromptsResult
	err := c.requestInto(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt retrieves a specific prompt rendered with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.requestInto(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// initialize drives the MCP handshake: the initialize request followed by
// the initialized notification, in order, before any other traffic.
func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}

	res, err := c.SendRequest(ctx, methodInitialize, params)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		// The probe talks to whatever answers; record the mismatch and move on.
		c.logger.Warn("server negotiated a different protocol version",
			"server", result.ProtocolVersion, "client", protocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.mu.Unlock()

	return c.SendNotification(ctx, methodNotificationsInitialized, nil)
}

func (c *Client) requestInto(ctx context.Context, method string, params, out any) error {
	res, err := c.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// handleInbound is wired as the transport's message handler. Responses go to
// the correlator, server pings are answered, and everything else is
// forwarded to the notification handler.
func (c *Client) handleInbound(msg JSONRPCMessage, meta MessageMeta) {
	c.logMessage(DirectionIn, msg, meta)

	switch {
	case msg.Method == "":
		c.mu.Lock()
		corr := c.corr
		c.mu.Unlock()
		if corr != nil {
			corr.resolve(msg.ID, msg)
		}
	case msg.Method == methodPing && msg.ID != "":
		go c.answerPing(msg.ID)
	default:
		if c.onNotification != nil {
			c.onNotification(msg, meta)
		}
	}
}

func (c *Client) answerPing(id MessageID) {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage("{}"),
	}
	c.logMessage(DirectionOut, msg, MessageMeta{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Send(ctx, msg); err != nil {
		c.logger.Error("failed to answer ping", "err", err)
	}
}

// handleTransportError marks the connection degraded on stream-level
// failures. Malformed payloads are skipped deliveries and leave the status
// untouched. Sends may still work in POST-only mode, so nothing is torn
// down here either way.
func (c *Client) handleTransportError(err error) {
	if !errors.Is(err, ErrMalformedMessage) {
		c.mu.Lock()
		if c.status == StatusConnected {
			c.status = StatusError
		}
		c.mu.Unlock()
	}

	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Client) logMessage(dir Direction, msg JSONRPCMessage, meta MessageMeta) {
	if c.onLog != nil {
		c.onLog(dir, messageKind(msg), msg, meta)
	}
}

func messageKind(msg JSONRPCMessage) MessageKind {
	switch {
	case msg.Method != "" && msg.ID != "":
		return KindRequest
	case msg.Method != "":
		return KindNotification
	default:
		return KindResponse
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}
