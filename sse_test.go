package mcpprobe_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcp-partner/mcpprobe"
)

// echoHandler answers every request with an empty result and consumes
// notifications.
func echoHandler(msg mcpprobe.JSONRPCMessage) *mcpprobe.JSONRPCMessage {
	if msg.ID == "" || msg.Method == "" {
		return nil
	}
	return &mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		ID:      msg.ID,
		Result:  json.RawMessage(`{}`),
	}
}

// startSSEServer wires an SSEServer loopback behind httptest, with the
// endpoint event announcing a relative URL so the transport has to resolve
// it against its base.
func startSSEServer(t *testing.T, handler mcpprobe.ServerHandler) (*httptest.Server, *mcpprobe.SSEServer) {
	t.Helper()

	srv := mcpprobe.NewSSEServer("/messages", handler)
	mux := http.NewServeMux()
	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/messages", srv.HandleMessage())

	httpSrv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		httpSrv.Close()
	})
	return httpSrv, srv
}

func TestSSETransportConnectAndSend(t *testing.T) {
	httpSrv, _ := startSSEServer(t, echoHandler)

	received := make(chan mcpprobe.JSONRPCMessage, 8)
	transport := mcpprobe.NewSSETransport(httpSrv.URL+"/sse",
		mcpprobe.WithMessageHandler(func(msg mcpprobe.JSONRPCMessage, meta mcpprobe.MessageMeta) {
			if meta.Source != "stream" {
				t.Errorf("expected source %q, got %q", "stream", meta.Source)
			}
			received <- msg
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	req := mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		ID:      mcpprobe.MessageID("0"),
		Method:  "ping",
	}
	if err := transport.Send(ctx, req); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != req.ID {
			t.Errorf("expected response id %q, got %q", req.ID, msg.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for response over event stream")
	}
}

func TestSSETransportSendBeforeEndpoint(t *testing.T) {
	transport := mcpprobe.NewSSETransport("http://localhost:1/sse")
	err := transport.Send(context.Background(), mcpprobe.JSONRPCMessage{JSONRPC: mcpprobe.JSONRPCVersion})
	if err == nil {
		t.Fatal("expected error sending before the endpoint event")
	}
}

func TestSSETransportStreamClosedBeforeEndpoint(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer httpSrv.Close()

	transport := mcpprobe.NewSSETransport(httpSrv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err == nil {
		transport.Close()
		t.Fatal("expected start to fail when the stream ends without an endpoint event")
	}
}

func TestSSETransportConnectBadStatus(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer httpSrv.Close()

	transport := mcpprobe.NewSSETransport(httpSrv.URL)
	if err := transport.Start(context.Background()); err == nil {
		transport.Close()
		t.Fatal("expected start to fail on a 404")
	}
}

func TestSSETransportServerPush(t *testing.T) {
	httpSrv, srv := startSSEServer(t, nil)

	received := make(chan mcpprobe.JSONRPCMessage, 1)
	transport := mcpprobe.NewSSETransport(httpSrv.URL+"/sse",
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

	srv.Push(mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})

	select {
	case msg := <-received:
		if msg.Method != "notifications/tools/list_changed" {
			t.Errorf("unexpected method %q", msg.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for pushed notification")
	}
}

// TestSSETransportPOSTBodyFallback exercises servers that answer the POST
// synchronously in its body instead of over the event stream.
func TestSSETransportPOSTBodyFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var msg mcpprobe.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mcpprobe.JSONRPCMessage{
			JSONRPC: mcpprobe.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{"via":"post"}`),
		})
	})
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	received := make(chan mcpprobe.MessageMeta, 1)
	transport := mcpprobe.NewSSETransport(httpSrv.URL+"/sse",
		mcpprobe.WithMessageHandler(func(_ mcpprobe.JSONRPCMessage, meta mcpprobe.MessageMeta) {
			received <- meta
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	err := transport.Send(ctx, mcpprobe.JSONRPCMessage{
		JSONRPC: mcpprobe.JSONRPCVersion,
		ID:      mcpprobe.MessageID("0"),
		Method:  "ping",
	})
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case meta := <-received:
		if meta.Source != "post" {
			t.Errorf("expected source %q, got %q", "post", meta.Source)
		}
		if meta.HTTPStatus != http.StatusOK {
			t.Errorf("expected status 200, got %d", meta.HTTPStatus)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for POST body fallback delivery")
	}
}

func TestSSETransportCloseIdempotent(t *testing.T) {
	httpSrv, _ := startSSEServer(t, nil)

	transport := mcpprobe.NewSSETransport(httpSrv.URL + "/sse")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}

	if err := transport.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
