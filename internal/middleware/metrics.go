// Package middleware provides HTTP middleware for jobguard.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kneutral-org/jobguard/internal/metrics"
)

// unmatchedRoute labels requests that hit no registered route, so scans of
// random paths cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

// Metrics returns a middleware that records request counts and latency
// labelled by route template rather than raw path.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		method := c.Request.Method

		metrics.RecordHTTPRequest(method, path, strconv.Itoa(c.Writer.Status()))
		metrics.RecordHTTPRequestDuration(method, path, time.Since(start).Seconds())
	}
}
