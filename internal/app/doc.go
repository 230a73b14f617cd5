// Package app wires configuration, logging, telemetry, the trial guard and
// the HTTP surface into one Application.
//
// # Initialization Flow
//
//  1. Load configuration from environment and an optional YAML file
//  2. Initialize slog and OpenTelemetry
//  3. Build the trial guard with its metrics
//  4. Build the trial gate and the WebSocket hub
//  5. Register a transition observer that drops the gate cache and
//     pushes the change to WebSocket clients
//  6. Set up the chi router and the HTTP server
//
// # Routes
//
//	/ws               trial status feed
//	/metrics          Prometheus exposition when enabled
//	/api/health/*     health checks
//	/api/trial/*      status and activation
//	/api/app/*        application endpoints behind the trial gate
//
// # Graceful Shutdown
//
// Run stops on SIGINT or SIGTERM. Stop drains the HTTP server, closes
// WebSocket clients, wipes the derived keys and flushes telemetry. The
// package never calls os.Exit.
package app
