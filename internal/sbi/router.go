package sbi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/sbi/producer"
)

// commandsPerMinute bounds mutating requests per client
const commandsPerMinute = 120

// InitRouter registers the REST API and the notification stream
func InitRouter(router *gin.Engine, b *producer.Backend) {
	commands := RateLimitMiddleware(commandsPerMinute)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthCheck(b))
		v1.GET("/status", producer.GetSystemStatus(b))
		v1.GET("/config", producer.GetSystemConfig(b))
		v1.GET("/stats", producer.GetOverviewStats(b))
		v1.POST("/connection/reconnect", commands, producer.Reconnect(b))

		// Device routes
		devices := v1.Group("/devices")
		{
			devices.GET("", producer.GetDevices(b))
			devices.GET("/:dirno", producer.GetDevice(b))
			devices.POST("/:dirno/key-press", commands, producer.SimulateKeyPress(b))
			devices.POST("/:dirno/tone-test", commands, producer.ToneTest(b))
			devices.GET("/:dirno/gpo", producer.GetGpos(b))
			devices.PUT("/:dirno/gpo", commands, producer.SetGpo(b))
			devices.GET("/:dirno/gpi", producer.GetGpis(b))
			devices.POST("/:dirno/gpio/trace", commands, producer.TraceGpio(b))
			devices.DELETE("/:dirno/gpio/trace", commands, producer.UntraceGpio(b))
		}

		// Call routes
		calls := v1.Group("/calls")
		{
			calls.GET("/active", producer.GetActiveCalls(b))
			calls.GET("/queue", producer.GetCallQueue(b))
			calls.POST("", commands, producer.PostCall(b))
			calls.DELETE("", commands, producer.DeleteCalls(b))
			calls.DELETE("/:dirno", commands, producer.DeleteCall(b))
		}

		v1.POST("/doors/:dirno/open", commands, producer.OpenDoor(b))

		// Broadcasting routes
		v1.GET("/groups", producer.GetGroups(b))
		v1.GET("/audio-messages", producer.GetAudioMessages(b))
		broadcast := v1.Group("/broadcast", commands)
		{
			broadcast.POST("/play", producer.PlayAudioMessage(b))
			broadcast.POST("/stop", producer.StopAudioMessage(b))
		}

		// Call forwarding routes
		forwarding := v1.Group("/call-forwarding")
		{
			forwarding.GET("", producer.GetForwardingRules(b))
			forwarding.POST("", commands, producer.SetForwardingRules(b))
			forwarding.DELETE("", commands, producer.DeleteForwardingRule(b))
		}
	}

	// WebSocket endpoint for real-time updates
	router.GET("/ws", producer.WebSocketHandler(b))
}

// LoggerMiddleware creates a logger middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		var statusColor, methodColor, resetColor string
		if param.IsOutputColor() {
			statusColor = param.StatusCodeColor()
			methodColor = param.MethodColor()
			resetColor = param.ResetColor()
		}

		if param.Latency > time.Minute {
			param.Latency = param.Latency - param.Latency%time.Second
		}

		logger.HTTPLog.Infof("%s %3d %s| %13v | %15s |%s %-7s %s %#v",
			statusColor, param.StatusCode, resetColor,
			param.Latency,
			param.ClientIP,
			methodColor, param.Method, resetColor,
			param.Path,
		)

		return ""
	})
}

// CORSMiddleware creates a CORS middleware
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware allows each client IP requestsPerMinute requests with
// a burst of a tenth of that
func RateLimitMiddleware(requestsPerMinute int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		clients = make(map[string]*rate.Limiter)
	)
	limit := rate.Limit(float64(requestsPerMinute) / 60)
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}

	return func(c *gin.Context) {
		mu.Lock()
		l, ok := clients[c.ClientIP()]
		if !ok {
			l = rate.NewLimiter(limit, burst)
			clients[c.ClientIP()] = l
		}
		mu.Unlock()

		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// ErrorHandlerMiddleware creates an error handler middleware
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			logger.SBILog.Errorf("Request error: %v", err)

			status := c.Writer.Status()
			if status == http.StatusOK {
				status = http.StatusInternalServerError
			}

			c.JSON(status, gin.H{
				"error": err.Error(),
			})
		}
	}
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set("requestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		c.Next()
	}
}

// healthCheck is healthy while the backend session is up
func healthCheck(b *producer.Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		connected := b.Connection.IsConnected()

		response := gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services": gin.H{
				"backend": connected,
				"state":   b.Connection.State(),
			},
		}

		statusCode := http.StatusOK
		if !connected {
			response["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}
