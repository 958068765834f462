package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errServerStatus = errors.New("server error")

// track applies the intake rate limit and records the call in metrics under
// "METHOD /route".
func (s *Server) track() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.Request.Method + " " + c.FullPath()
		span := s.metrics.Start(route)
		start := time.Now()
		if err := s.limiter.Wait(c.Request.Context()); err != nil {
			span.End(err)
			respond(c, http.StatusTooManyRequests, errorResponse{Error: "rate_limited", Message: err.Error()})
			c.Abort()
			return
		}

		c.Next()

		status := c.Writer.Status()
		var err error
		if status >= http.StatusInternalServerError {
			err = errServerStatus
		}
		span.End(err)
		s.logger.Debug("request",
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// recovered turns a handler panic into a logged 500.
func (s *Server) recovered(c *gin.Context, rec any) {
	s.logger.Error("handler panic",
		zap.String("path", c.Request.URL.Path),
		zap.String("panic", fmt.Sprint(rec)),
	)
	respond(c, http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
	c.Abort()
}
