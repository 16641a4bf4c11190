package daemon

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dashkit/camd/pkg/events"
	"github.com/dashkit/camd/pkg/version"
)

func getStatus(ctl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, ctl.Status())
	}
}

func getPower(ctl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		reading, err := ctl.ReadPower()
		if err != nil {
			c.IndentedJSON(http.StatusServiceUnavailable, err.Error())
			_ = c.AbortWithError(http.StatusServiceUnavailable, err)
			return
		}
		c.IndentedJSON(http.StatusOK, reading)
	}
}

func getConfig(ctl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, ctl.Config())
	}
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, map[string]string{
		"version":   version.Version,
		"gitCommit": version.GitCommit,
	})
}

func postTransfer(ctl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		// A refused transfer is a normal answer, not a server error; the
		// client reads accepted/reason from the body.
		c.IndentedJSON(http.StatusOK, ctl.ForceTransfer(c.Request.Context()))
	}
}

var wsUpgrader = websocket.Upgrader{
	// The API listens on a local unix socket; there is no Origin to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// getEvents upgrades to a websocket and streams daemon events until the
// client goes away.
func getEvents(hub *events.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		defer func() { _ = conn.Close() }()

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		// Drain reads so close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				logrus.Debugf("event subscriber dropped: %v", err)
				return
			}
		}
	}
}

// ginLogger is the logrus logger handler
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency, // time to process
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		} else {
			msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, statusCode, latency)
			//nolint:gocritic
			if statusCode >= http.StatusInternalServerError {
				entry.Error(msg)
			} else if statusCode >= http.StatusBadRequest {
				entry.Warn(msg)
			} else {
				entry.Debug(msg)
			}
		}
	}
}
