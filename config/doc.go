// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and EXECBOX_* environment variables. It
// supports configuration for the server transport, sandbox execution
// defaults, logging and per-language run profiles.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
