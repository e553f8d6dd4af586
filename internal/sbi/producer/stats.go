package producer

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// GetOverviewStats returns registry and event-processing statistics
func GetOverviewStats(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := b.Registry.GetDeviceStats()

		overview := gin.H{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"devices": gin.H{
				"total":       stats.TotalDevices,
				"reachable":   stats.ReachableDevices,
				"unreachable": stats.UnreachableDevices,
				"byType":      getTopEntries(stats.DevicesByType, 10),
			},
			"calls": gin.H{
				"active": stats.ActiveCalls,
				"queued": stats.QueuedCalls,
			},
			"bus": gin.H{
				"subscribers": b.Bus.SubscriberCount(),
				"dropped":     b.Bus.Dropped(),
			},
		}
		if b.Dropped != nil {
			overview["droppedCallEvents"] = b.Dropped()
		}

		c.JSON(http.StatusOK, overview)
	}
}

// getTopEntries returns the limit largest entries of data, largest first
func getTopEntries(data map[string]int, limit int) []gin.H {
	type entry struct {
		key   string
		value int
	}

	entries := make([]entry, 0, len(data))
	for k, v := range data {
		entries = append(entries, entry{k, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].value != entries[j].value {
			return entries[i].value > entries[j].value
		}
		return entries[i].key < entries[j].key
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	result := make([]gin.H, len(entries))
	for i, e := range entries {
		result[i] = gin.H{"name": e.key, "count": e.value}
	}
	return result
}
