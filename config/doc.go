// Package config provides application configuration management.
//
// The config package loads the deployment configuration from YAML files and
// CODERUN_* environment variables. It covers the REST server, the optional
// MCP tool server, sandbox execution limits and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox image: %s\n", cfg.Sandbox.Image)
package config
