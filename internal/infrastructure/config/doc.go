// Package config provides 12-factor configuration for the script host.
//
// Configuration starts from defaults, is overlaid by an optional YAML or TOML
// file named in SCRIPTHOST_CONFIG, and finally by environment variables.
//
// Configuration Sections:
//   - Server: HTTP listen address, public host name, CORS origins
//   - Sandbox: worker pool size, recycling, timeouts, provisioning breaker
//   - Store: object root directory and digest algorithm
//   - Logging: Log level and output format
//   - RateLimit: Per-caller rate limiting configuration
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, PUBLIC_HOST, CORS_ORIGINS
//   - SANDBOX_POOL_SIZE, SANDBOX_RECYCLE_AFTER, SANDBOX_COMPILE_TIMEOUT,
//     SANDBOX_EXECUTE_TIMEOUT, SANDBOX_SHUTDOWN_TIMEOUT, SANDBOX_SHARE_COMPILED,
//     SANDBOX_PROVISION_FAILURES, SANDBOX_PROVISION_COOLDOWN,
//     SANDBOX_WORKER_COMMAND, SANDBOX_PREWARM
//   - STORE_ROOT, STORE_HASH
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
