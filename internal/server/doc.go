// Package server is the kcore debug server.
//
// Routes:
//   - GET /healthz       liveness, "halted" once the machine stopped
//   - GET /metrics       Prometheus exposition of the kernel registry
//   - GET /api/info      boot id, uptime, programs, physical memory
//   - GET /api/procs     non-free process records
//   - GET /api/threads   kernel threads
//   - GET /api/stats     metric snapshot as JSON
//   - GET /api/events    websocket stream of lifecycle events, new
//     connections capped by one shared rate limit
//
// The event stream is fed by a Hub, which is a proc.Hook:
//
//	hub := server.NewHub(logger)
//	k, err := kernel.Boot(cfg, logger, kernel.WithHook(hub))
//	srv := server.New(server.DefaultConfig(cfg.Debug.Addr), k, hub, logger)
//	go srv.Run(ctx)
package server
