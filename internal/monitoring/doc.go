/*
Package monitoring provides Prometheus metrics for the kernel.

# Overview

Metrics implements proc.Hook, so registering it on the process table keeps
per-state process gauges and spawn, finish and join counters current. The
syscall dispatcher reports outcomes through RecordSyscall and the debug server
records its own requests through Middleware.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	table.WithHook(metrics)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
