// Package server wires the script host together and serves it over HTTP.
//
// Server Lifecycle:
//  1. Create the logger and Prometheus registry
//  2. Open the object store
//  3. Start the sandbox worker pool, optionally prewarmed
//  4. Create the environment manager
//  5. Setup HTTP routes and middleware
//  6. Serve until Shutdown, which drains requests, disposes environments
//     and kills the workers
//
// Example Usage:
//
//	cfg, err := config.Load()
//	srv, err := server.NewServer(cfg)
//	go srv.Run()
//	defer srv.Shutdown(ctx)
package server
