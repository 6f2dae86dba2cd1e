// Package mcphttp implements an HTTP/SSE server transport for the Model Context Protocol (MCP).
//
// The Server reads HTTP requests straight off TCP connections and serves a single endpoint
// path. A POST carries one JSON-RPC message: the transport hands it to a MessageSink and keeps
// the connection waiting until the sink answers through Replier, then writes the reply as a
// chunked response. A GET with "Accept: text/event-stream" opens the Server-Sent Events stream
// of the session, on which Notifier pushes messages the client did not ask for. Sessions are
// identified by the Mcp-Session-Id header and kept in a SessionStore.
//
// The transport does not interpret the messages it carries. StdIOSink bridges it to any
// process speaking line-delimited JSON-RPC, such as an MCP server running over stdio, and
// Client is a matching HTTP client.
package mcphttp
