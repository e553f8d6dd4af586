package producer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/pkg/factory"
)

const (
	wsBuffer     = 256
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// the UI is served from other origins
		return true
	},
}

// GetSystemStatus reports the backend connection and subscription state
func GetSystemStatus(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn := b.Registry.GetConnectionStatus()

		status := gin.H{
			"status": "operational",
			"connection": gin.H{
				"connected":       b.Connection.IsConnected(),
				"state":           b.Connection.State(),
				"lastChange":      conn.LastChange,
				"lastError":       conn.LastError,
				"remainingBudget": b.Connection.RemainingBudget(),
			},
			"operator":  b.Registry.OperatorDirNo(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if b.TracerStatus != nil {
			status["subscriptions"] = b.TracerStatus()
		}

		if !b.Connection.IsConnected() {
			status["status"] = "degraded"
		}

		c.JSON(http.StatusOK, status)
	}
}

// GetSystemConfig returns the configuration without credentials
func GetSystemConfig(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := factory.GetConfig()
		if cfg == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Configuration not loaded"})
			return
		}

		sanitized := gin.H{
			"info":   cfg.Info,
			"logger": cfg.Logger,
		}
		if cfg.NBI != nil {
			sanitized["nbi"] = gin.H{
				"scheme":      cfg.NBI.Scheme,
				"bindingIPv4": cfg.NBI.BindingIPv4,
				"port":        cfg.NBI.Port,
			}
		}
		if ic := cfg.Intercom; ic != nil {
			sanitized["intercom"] = gin.H{
				"serverAddress":      ic.ServerAddress,
				"wampPort":           ic.WampPort,
				"restPort":           ic.RESTPort,
				"realm":              ic.Realm,
				"username":           ic.Username,
				"operatorDirNo":      ic.OperatorDirNo,
				"insecureSkipVerify": ic.SkipVerify(),
				"rpcTimeout":         ic.RPCTimeout.String(),
			}
		}

		c.JSON(http.StatusOK, sanitized)
	}
}

// Reconnect tears down the backend session and reconnects
func Reconnect(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := b.Connection.Reconnect(); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"state": b.Connection.State()})
	}
}

// WebSocketHandler streams every bus notification to the client as
// {"type": <topic>, "data": <payload>}. A client that cannot keep up loses
// notifications instead of stalling the bus.
func WebSocketHandler(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.SBILog.Errorf("WebSocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		clientID := uuid.NewString()
		notifications, cancel := b.Bus.Channel(wsBuffer, bus.Topics...)
		defer cancel()
		logger.SBILog.Infof("WebSocket client %s connected from %s", clientID, c.ClientIP())

		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		// the read loop only detects the close; clients do not send commands here
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						logger.SBILog.Warnf("WebSocket client %s read error: %v", clientID, err)
					}
					return
				}
			}
		}()

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(gin.H{
			"type": "connected",
			"data": gin.H{"client": clientID, "connection": b.Registry.GetConnectionStatus()},
		}); err != nil {
			return
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				logger.SBILog.Infof("WebSocket client %s disconnected", clientID)
				return
			case n, ok := <-notifications:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(n); err != nil {
					logger.SBILog.Warnf("WebSocket client %s write error: %v", clientID, err)
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
