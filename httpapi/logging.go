package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"pkt.systems/pslog"
)

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		bytes := c.Writer.Size()
		if bytes < 0 {
			bytes = 0
		}
		logger := pslog.Ctx(c.Request.Context()).With("remote", c.ClientIP())
		logger.Info("http request", "method", c.Request.Method, "path", path, "status", c.Writer.Status(), "bytes", bytes, "duration_ms", time.Since(start).Milliseconds())
		logger.Debug("http request details", "ua", c.Request.UserAgent())
	}
}
