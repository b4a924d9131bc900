// Package config provides 12-factor configuration management for kcore.
//
// Configuration is loaded from environment variables with defaults. A YAML or
// TOML file can be overlaid on top; CLI flags override both.
//
// Configuration Sections:
//   - Kernel: process table capacity, name bound, thread limit, spawn mode, init program
//   - Memory: physical pages and user address space limits
//   - Logging: log level and output format
//   - Debug: debug HTTP server
//
// Example Usage:
//
//	cfg, err := config.LoadFile("kcore.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// Environment Variables:
//   - KCORE_MAX_PROCESSES, KCORE_MAX_NAME_SIZE, KCORE_MAX_THREADS
//   - KCORE_STRICT_SPAWN, KCORE_INIT
//   - KCORE_PHYS_PAGES, KCORE_STACK_PAGES, KCORE_MAX_USER_PAGES
//   - LOG_LEVEL, LOG_DEV
//   - KCORE_DEBUG_ENABLED, KCORE_DEBUG_ADDR
package config
