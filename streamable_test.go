package mcpprobe_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mcp-partner/mcpprobe"
)

// sessionRecorder wraps a handler and records the Mcp-Session-Id header of
// every POST it sees.
type sessionRecorder struct {
	next http.Handler

	mu  sync.Mutex
	ids []string
}

func (rec *sessionRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		rec.mu.Lock()
		rec.ids = append(rec.ids, r.Header.Get("Mcp-Session-Id"))
		rec.mu.Unlock()
	}
	rec.next.ServeHTTP(w, r)
}

func (rec *sessionRecorder) recorded() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.ids...)
}

func TestStreamableTransportSendAndSessionID(t *testing.T) {
	srv := mcpprobe.NewStreamableServer(echoHandler)
	rec := &sessionRecorder{next: srv}
	httpSrv := httptest.NewServer(rec)
	defer func() {
		srv.Close()
		httpSrv.Close()
	}()

	received := make(chan mcpprobe.JSONRPCMessage, 8)
	transport := mcpprobe.NewStreamableTransport(httpSrv.URL,
		mcpprobe.WithMessageHandler(func(msg mcpprobe.JSONRPCMessage, _ mcpprobe.MessageMeta) {
			received <- msg
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	// The server mints a session id for the initialize request.
	init := mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		ID:      mcpprobe.MessageID("0"),
		Method:  "initialize",
	}
	if err := transport.Send(ctx, init); err != nil {
		t.Fatalf("failed to send initialize: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != init.ID {
			t.Errorf("expected response id %q, got %q", init.ID, msg.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for initialize response")
	}

	ping := mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		ID:      mcpprobe.MessageID("1"),
		Method:  "ping",
	}
	if err := transport.Send(ctx, ping); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for ping response")
	}

	ids := rec.recorded()
	if len(ids) != 2 {
		t.Fatalf("expected 2 recorded POSTs, got %d", len(ids))
	}
	if ids[0] != "" {
		t.Errorf("initialize POST should carry no session id, got %q", ids[0])
	}
	if ids[1] == "" {
		t.Error("second POST should carry the captured session id")
	}
}

// TestStreamableTransportEventStreamResponse covers servers that stream the
// reply to one POST as server-sent events in that POST's response body.
func TestStreamableTransportEventStreamResponse(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg mcpprobe.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, _ := json.Marshal(mcpprobe.JSONRPCMessage{
			JSONRPC: mcpprobe.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{"streamed":true}`),
		})
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", res)
	}))
	defer httpSrv.Close()

	received := make(chan mcpprobe.JSONRPCMessage, 1)
	transport := mcpprobe.NewStreamableTransport(httpSrv.URL,
		mcpprobe.WithMessageHandler(func(msg mcpprobe.JSONRPCMessage, _ mcpprobe.MessageMeta) {
			received <- msg
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	req := mcpprobe.JSONRPCMessage{JSONRPC: mcpprobe.JSONRPCVersion, ID: mcpprobe.MessageID("0"), Method: "ping"}
	if err := transport.Send(ctx, req); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != req.ID {
			t.Errorf("expected response id %q, got %q", req.ID, msg.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for streamed response")
	}
}

// TestStreamableTransportPOSTOnly covers servers that reject the background
// GET; the transport must stay fully usable.
func TestStreamableTransportPOSTOnly(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg mcpprobe.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mcpprobe.JSONRPCMessage{
			JSONRPC: mcpprobe.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{}`),
		})
	}))
	defer httpSrv.Close()

	received := make(chan mcpprobe.JSONRPCMessage, 1)
	errs := make(chan error, 1)
	transport := mcpprobe.NewStreamableTransport(httpSrv.URL,
		mcpprobe.WithMessageHandler(func(msg mcpprobe.JSONRPCMessage, _ mcpprobe.MessageMeta) {
			received <- msg
		}),
		mcpprobe.WithErrorHandler(func(err error) {
			errs <- err
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	req := mcpprobe.JSONRPCMessage{JSONRPC: mcpprobe.JSONRPCVersion, ID: mcpprobe.MessageID("0"), Method: "ping"}
	if err := transport.Send(ctx, req); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case <-received:
	case err := <-errs:
		t.Fatalf("unexpected transport error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for response in POST-only mode")
	}
}

func TestStreamableTransportServerPush(t *testing.T) {
	srv := mcpprobe.NewStreamableServer(echoHandler)
	httpSrv := httptest.NewServer(srv)
	defer func() {
		srv.Close()
		httpSrv.Close()
	}()

	received := make(chan mcpprobe.JSONRPCMessage, 8)
	transport := mcpprobe.NewStreamableTransport(httpSrv.URL,
		mcpprobe.WithMessageHandler(func(msg mcpprobe.JSONRPCMessage, meta mcpprobe.MessageMeta) {
			if meta.Source == "get" {
				received <- msg
			}
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	// The push stream opens asynchronously; retry until it is connected.
	notification := mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		Method:  "notifications/resources/updated",
	}
	deadline := time.After(5 * time.Second)
	for {
		srv.Push(notification)
		select {
		case msg := <-received:
			if msg.Method != notification.Method {
				t.Errorf("unexpected method %q", msg.Method)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for pushed notification")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TestStreamableTransportPushRetryAfterSessionID covers servers that reject
// the push GET until a session exists: the GET issued at start fails, the
// initialize POST mints the session id, and the push channel is then retried
// with it.
func TestStreamableTransportPushRetryAfterSessionID(t *testing.T) {
	const sessionID = "sess-42"

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var msg mcpprobe.JSONRPCMessage
			if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Mcp-Session-Id", sessionID)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(mcpprobe.JSONRPCMessage{
				JSONRPC: mcpprobe.JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage(`{}`),
			})
		case http.MethodGet:
			if r.Header.Get("Mcp-Session-Id") != sessionID {
				http.Error(w, "session required", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `event: message`+"\n"+
				`data: {"jsonrpc":"2.0","method":"notifications/ready"}`+"\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	defer httpSrv.Close()

	pushed := make(chan mcpprobe.JSONRPCMessage, 1)
	transport := mcpprobe.NewStreamableTransport(httpSrv.URL,
		mcpprobe.WithMessageHandler(func(msg mcpprobe.JSONRPCMessage, meta mcpprobe.MessageMeta) {
			if meta.Source == "get" {
				pushed <- msg
			}
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	init := mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		ID:      mcpprobe.MessageID("0"),
		Method:  "initialize",
	}
	if err := transport.Send(ctx, init); err != nil {
		t.Fatalf("failed to send initialize: %v", err)
	}

	select {
	case msg := <-pushed:
		if msg.Method != "notifications/ready" {
			t.Errorf("unexpected method %q", msg.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push channel was not retried after the session id was captured")
	}
}

func TestStreamableTransportSendNotStarted(t *testing.T) {
	transport := mcpprobe.NewStreamableTransport("http://localhost:1")
	err := transport.Send(context.Background(), mcpprobe.JSONRPCMessage{JSONRPC: mcpprobe.JSONRPCVersion})
	if err == nil {
		t.Fatal("expected error sending before start")
	}
}
