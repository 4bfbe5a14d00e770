// Command mcpprobe connects to an MCP server over SSE or streamable HTTP,
// performs the initialize handshake, and runs a few basic requests against
// it. It is a diagnostic tool for checking what a server exposes and whether
// its transport behaves.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"

	"github.com/mcp-partner/mcpprobe"
)

type options struct {
	URL       string        `short:"u" long:"url" required:"true" description:"Base URL of the MCP server"`
	Transport string        `short:"t" long:"transport" default:"streamable-http" choice:"sse" choice:"streamable-http" description:"Transport kind"`
	Proxy     string        `short:"p" long:"proxy" description:"CORS relay prefix prepended to every request URL"`
	Headers   []string      `short:"H" long:"header" description:"Extra HTTP header, 'Name: Value', repeatable"`
	Timeout   time.Duration `long:"timeout" default:"30s" description:"Per-request timeout"`
	Verbose   bool          `short:"v" long:"verbose" description:"Log every message on the wire"`

	ListTools     bool          `long:"list-tools" description:"List the server's tools"`
	ListResources bool          `long:"list-resources" description:"List the server's resources"`
	ListPrompts   bool          `long:"list-prompts" description:"List the server's prompts"`
	CallTool      string        `long:"call-tool" description:"Call the named tool"`
	ToolArgs      string        `long:"tool-args" description:"JSON object of arguments for --call-tool"`
	Tail          time.Duration `long:"tail" description:"After the requests, keep the connection open this long and print notifications"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))

	if err := run(opts, logger); err != nil {
		logger.Error("probe failed", "err", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	headers, err := parseHeaders(opts.Headers)
	if err != nil {
		return err
	}

	clientOpts := []mcpprobe.ClientOption{
		mcpprobe.WithClientLogger(logger),
		mcpprobe.WithRequestTimeout(opts.Timeout),
		mcpprobe.WithClientErrorHandler(func(err error) {
			logger.Warn("transport error", "err", err)
		}),
		mcpprobe.WithNotificationHandler(func(msg mcpprobe.JSONRPCMessage, _ mcpprobe.MessageMeta) {
			logger.Info("notification", "method", msg.Method, "params", string(msg.Params))
		}),
	}
	if opts.Verbose {
		clientOpts = append(clientOpts, mcpprobe.WithMessageLog(
			func(dir mcpprobe.Direction, kind mcpprobe.MessageKind, msg mcpprobe.JSONRPCMessage, meta mcpprobe.MessageMeta) {
				logger.Debug("message",
					"dir", dir, "kind", kind, "id", msg.ID, "method", msg.Method, "source", meta.Source)
			}))
	}

	client := mcpprobe.NewClient(mcpprobe.Info{Name: "mcpprobe", Version: "0.1.0"}, clientOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	proxy := mcpprobe.ProxyConfig{Enabled: opts.Proxy != "", Prefix: opts.Proxy}
	kind := mcpprobe.TransportKind(opts.Transport)
	if err := client.Connect(ctx, kind, opts.URL, proxy, headers); err != nil {
		return err
	}
	defer client.Disconnect()

	info := client.ServerInfo()
	logger.Info("connected", "server", info.Name, "version", info.Version)

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	if opts.ListTools {
		result, err := client.ListTools(ctx, mcpprobe.ListToolsParams{})
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		if err := out.Encode(result); err != nil {
			return err
		}
	}
	if opts.ListResources {
		result, err := client.ListResources(ctx, mcpprobe.ListResourcesParams{})
		if err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		if err := out.Encode(result); err != nil {
			return err
		}
	}
	if opts.ListPrompts {
		result, err := client.ListPrompts(ctx, mcpprobe.ListPromptsParams{})
		if err != nil {
			return fmt.Errorf("list prompts: %w", err)
		}
		if err := out.Encode(result); err != nil {
			return err
		}
	}
	if opts.CallTool != "" {
		var args json.RawMessage
		if opts.ToolArgs != "" {
			if !json.Valid([]byte(opts.ToolArgs)) {
				return fmt.Errorf("--tool-args is not valid JSON: %q", opts.ToolArgs)
			}
			args = json.RawMessage(opts.ToolArgs)
		}
		result, err := client.CallTool(ctx, mcpprobe.CallToolParams{Name: opts.CallTool, Arguments: args})
		if err != nil {
			return fmt.Errorf("call tool %s: %w", opts.CallTool, err)
		}
		if err := out.Encode(result); err != nil {
			return err
		}
	}

	if opts.Tail > 0 {
		logger.Info("tailing notifications", "for", opts.Tail)
		select {
		case <-time.After(opts.Tail):
		case <-ctx.Done():
		}
	}
	return nil
}

func parseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(http.Header, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q, want 'Name: Value'", h)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return headers, nil
}
