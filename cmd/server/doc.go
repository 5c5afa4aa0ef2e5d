// Package main is the entry point for the execbox server.
//
// The execbox server runs untrusted code snippets in fresh, resource limited
// containers and returns their output. It serves a JSON HTTP API by default
// and can expose the same execution as a Model Context Protocol tool over
// stdio or streamable HTTP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// cobra for the command line.
//
// Usage:
//
//	execbox serve [--config config.yaml]
//	execbox run main.py --stdin-file input.txt --timeout 10
package main
