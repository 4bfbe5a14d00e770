// Package mcpprobe implements a client for probing servers that speak the
// Model Context Protocol (MCP) over HTTP, following the transports defined by
// https://spec.modelcontextprotocol.io/specification/.
//
// Two wire protocols are supported: the legacy SSE protocol, where a hanging
// GET delivers server events and an "endpoint" event names the POST target,
// and the streamable HTTP protocol, where requests, responses and server
// pushes are multiplexed over plain POST/GET. The Client type is the main
// entry point: it owns one transport at a time, correlates outgoing requests
// with asynchronous responses, and drives the MCP initialize handshake. Both
// transports can dial through a CORS relay by prefixing every URL with a
// configured proxy prefix.
package mcpprobe
