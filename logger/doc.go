// Package logger builds the process-wide zap logger.
//
// Entries carry a service field and are written to stderr; stdout is left to
// the MCP stdio transport.
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	defer log.Sync()
package logger
