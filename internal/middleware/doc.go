// Package middleware holds the gin middleware of the kcore debug server.
//
//   - CORS: lets browser dashboards poll the read-only endpoints
//   - RateLimit: per-IP token bucket, idle clients are swept
//   - GlobalRateLimit: one bucket shared by every client
//
// Example:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
