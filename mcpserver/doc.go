// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The server exposes one tool, run_code, backed by the same sandbox executor
// as the REST API. It uses the mark3labs/mcp-go library for the protocol and
// can serve over stdio or streamable HTTP, or stay disabled, depending on
// mcp.transport.
//
// Usage:
//
//	srv := mcpserver.New(cfg, logger, executor)
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop(ctx)
package mcpserver
