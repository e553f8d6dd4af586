package producer

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nextranet/intercom/c-plane/internal/models"
)

// GetDevices returns the registered devices, optionally filtered
func GetDevices(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		devices := b.Registry.GetAllDevices()

		state := c.Query("state")
		callState := c.Query("callState")
		search := strings.ToLower(c.Query("search"))

		result := make([]*models.Device, 0, len(devices))
		for _, d := range devices {
			if state != "" && string(d.State) != state {
				continue
			}
			if callState != "" && string(d.CallState) != callState {
				continue
			}
			if search != "" &&
				!strings.Contains(strings.ToLower(d.Name), search) &&
				!strings.Contains(d.DirNo, search) &&
				!strings.Contains(strings.ToLower(d.Location), search) {
				continue
			}
			result = append(result, d)
		}

		c.JSON(http.StatusOK, gin.H{
			"devices": result,
			"total":   len(result),
		})
	}
}

// GetDevice returns one device by dirno
func GetDevice(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		device, ok := b.Registry.GetDevice(c.Param("dirno"))
		if !ok {
			respondError(c, models.ErrDeviceNotFound)
			return
		}
		c.JSON(http.StatusOK, device)
	}
}

type keyPressRequest struct {
	Key  string `json:"key" binding:"required"`
	Edge string `json:"edge"`
}

// SimulateKeyPress presses a key on a device
func SimulateKeyPress(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req keyPressRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := b.Devices.SimulateKeyPress(c.Request.Context(), c.Param("dirno"), req.Key, req.Edge)
		respondResult(c, res, err)
	}
}

type toneTestRequest struct {
	ToneGroup string `json:"toneGroup"`
}

// ToneTest starts a tone test on a device
func ToneTest(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toneTestRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		res, err := b.Devices.ToneTest(c.Request.Context(), c.Param("dirno"), req.ToneGroup)
		respondResult(c, res, err)
	}
}

// GetGpos returns the output snapshot of a device
func GetGpos(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		points, err := b.Gpio.GetGpos(c.Request.Context(), c.Param("dirno"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dirno": c.Param("dirno"), "gpos": points})
	}
}

// GetGpis returns the input snapshot of a device
func GetGpis(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		points, err := b.Gpio.GetGpis(c.Request.Context(), c.Param("dirno"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dirno": c.Param("dirno"), "gpis": points})
	}
}

type setGpoRequest struct {
	ID        string               `json:"id" binding:"required"`
	Operation models.GpioOperation `json:"operation" binding:"required"`
	Time      int                  `json:"time"`
}

// SetGpo operates one output of a device
func SetGpo(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setGpoRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := b.Gpio.SetGpo(c.Request.Context(), c.Param("dirno"), req.ID, req.Operation, req.Time)
		respondResult(c, res, err)
	}
}

// OpenDoor opens the door associated with a station
func OpenDoor(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := b.Doors.OpenDoor(c.Request.Context(), c.Param("dirno"))
		respondResult(c, res, err)
	}
}

// TraceGpio subscribes the live GPIO events of a device. Without a session the
// request is kept and applied on the next connect.
func TraceGpio(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		dirno := c.Param("dirno")
		if _, ok := b.Registry.GetDevice(dirno); !ok {
			respondError(c, models.ErrDeviceNotFound)
			return
		}
		err := b.Tracing.TraceDeviceGpio(c.Request.Context(), dirno)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"dirno": dirno, "subscribed": true})
		case models.IsConnectionError(err):
			c.JSON(http.StatusAccepted, gin.H{"dirno": dirno, "subscribed": false})
		default:
			respondError(c, err)
		}
	}
}

// UntraceGpio drops the live GPIO subscriptions of a device
func UntraceGpio(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		dirno := c.Param("dirno")
		if err := b.Tracing.UntraceDeviceGpio(c.Request.Context(), dirno); err != nil && !models.IsConnectionError(err) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dirno": dirno, "subscribed": false})
	}
}
