// Package main is the entry point for the coderun server.
//
// coderun runs untrusted Python snippets in throwaway containers and reports
// their output over a REST API and, optionally, as an MCP tool. Each request
// gets its own memory-capped, network-isolated sandbox that is killed at the
// timeout and always removed afterwards.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
