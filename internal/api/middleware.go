package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ZerologLogger logs one line per handled request. Client errors log at warn,
// server errors at error; the requester id is attached when the request
// carries one so task lifecycles can be followed in the log.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		route := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		evt := eventFor(status)
		if requester := c.Query("requester_id"); requester != "" {
			evt = evt.Str("requester", requester)
		}
		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", route).
			Dur("elapsed", time.Since(started)).
			Str("client_ip", c.ClientIP()).
			Msg("request served")
	}
}

func eventFor(status int) *zerolog.Event {
	switch {
	case status >= 500:
		return log.Error()
	case status >= 400:
		return log.Warn()
	default:
		return log.Info()
	}
}
