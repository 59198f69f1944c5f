// Package mcp exposes the repository index to MCP clients.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) and
// registers a single "retrieve" tool that answers with the same fragments as
// POST /retrieve. Handler serves it over the streamable HTTP transport.
package mcp
