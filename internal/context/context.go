package context

import (
	"sync"
	"time"

	"github.com/nextranet/intercom/c-plane/internal/models"
)

// Context is the registry of devices, calls and lists known to the gateway.
// One instance is created by the application and handed to every component
// that needs it. Each collection has its own lock; callers get copies.
type Context struct {
	// Registered devices, keyed by dirno
	devices      []*models.Device
	devicesMutex sync.RWMutex

	// Devices currently in a call with the operator
	activeCalls      []*models.Device
	activeCallsMutex sync.RWMutex

	// Call legs waiting to be answered
	callQueue      []*models.CallLegElement
	callQueueMutex sync.RWMutex

	groups        []*models.Group
	audioMessages []*models.AudioMessage
	fwdRules      []*models.CallForwardingRule
	listsMutex    sync.RWMutex

	// Cache for device statistics
	statsCache      *models.DeviceStats
	statsCacheMutex sync.RWMutex
	statsCacheTime  time.Time

	connStatus  ConnectionStatus
	statusMutex sync.RWMutex

	// Operator identity decides call direction for every event handler
	operatorDirNo string
	operatorMutex sync.RWMutex
}

// ConnectionStatus represents the connection status to the intercom backend
type ConnectionStatus struct {
	Connected  bool      `json:"connected"`
	State      string    `json:"state"`
	LastChange time.Time `json:"lastChange"`
	LastError  string    `json:"lastError,omitempty"`
}

// New returns an empty registry for the given operator
func New(operatorDirNo string) *Context {
	return &Context{
		operatorDirNo: operatorDirNo,
		statsCache: &models.DeviceStats{
			DevicesByType: make(map[string]int),
		},
	}
}

// Operator Identity

// OperatorDirNo returns the dirno the gateway acts as
func (c *Context) OperatorDirNo() string {
	c.operatorMutex.RLock()
	defer c.operatorMutex.RUnlock()
	return c.operatorDirNo
}

// SetOperatorDirNo changes the operator identity
func (c *Context) SetOperatorDirNo(dirno string) {
	c.operatorMutex.Lock()
	defer c.operatorMutex.Unlock()
	c.operatorDirNo = dirno
}

// Device Management Functions

// SetDevices replaces the registered device list. A dirno listed twice keeps
// its last entry at the position of the first.
func (c *Context) SetDevices(devices []*models.Device) {
	list := make([]*models.Device, 0, len(devices))
	index := make(map[string]int, len(devices))
	for _, d := range devices {
		if d == nil {
			continue
		}
		if i, ok := index[d.DirNo]; ok {
			list[i] = d.Clone()
			continue
		}
		index[d.DirNo] = len(list)
		list = append(list, d.Clone())
	}

	c.devicesMutex.Lock()
	c.devices = list
	c.devicesMutex.Unlock()
	c.invalidateStatsCache()
}

// UpsertDevice adds a device or replaces the entry with the same dirno.
// It reports whether the device was new.
func (c *Context) UpsertDevice(device *models.Device) bool {
	if device == nil {
		return false
	}
	defer c.invalidateStatsCache()

	c.devicesMutex.Lock()
	defer c.devicesMutex.Unlock()

	for i, d := range c.devices {
		if d.DirNo == device.DirNo {
			updated := device.Clone()
			if updated.CallState == "" {
				updated.CallState = d.CallState
			}
			c.devices[i] = updated
			return false
		}
	}
	c.devices = append(c.devices, device.Clone())
	return true
}

// GetDevice retrieves a device by dirno
func (c *Context) GetDevice(dirno string) (*models.Device, bool) {
	c.devicesMutex.RLock()
	defer c.devicesMutex.RUnlock()

	for _, d := range c.devices {
		if d.DirNo == dirno {
			return d.Clone(), true
		}
	}
	return nil, false
}

// GetDeviceByIP retrieves a device by its IP address
func (c *Context) GetDeviceByIP(ip string) (*models.Device, bool) {
	c.devicesMutex.RLock()
	defer c.devicesMutex.RUnlock()

	for _, d := range c.devices {
		if d.IPAddress == ip {
			return d.Clone(), true
		}
	}
	return nil, false
}

// GetAllDevices returns a snapshot of all devices
func (c *Context) GetAllDevices() []*models.Device {
	c.devicesMutex.RLock()
	defer c.devicesMutex.RUnlock()

	devices := make([]*models.Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d.Clone())
	}
	return devices
}

// DeviceDirNos returns the dirno of every registered device
func (c *Context) DeviceDirNos() []string {
	c.devicesMutex.RLock()
	defer c.devicesMutex.RUnlock()

	dirnos := make([]string, 0, len(c.devices))
	for _, d := range c.devices {
		dirnos = append(dirnos, d.DirNo)
	}
	return dirnos
}

// HasDevices reports whether a device list has been loaded
func (c *Context) HasDevices() bool {
	c.devicesMutex.RLock()
	defer c.devicesMutex.RUnlock()
	return len(c.devices) > 0
}

// UpdateDeviceCallState sets the call state of a registered device
func (c *Context) UpdateDeviceCallState(dirno string, state models.DeviceCallState) bool {
	c.devicesMutex.Lock()
	defer c.devicesMutex.Unlock()

	for _, d := range c.devices {
		if d.DirNo == dirno {
			d.CallState = state
			return true
		}
	}
	return false
}

// Active Calls

// AddActiveCall adds a device to the active calls unless one with the same
// dirno is already present. It reports whether the list changed.
func (c *Context) AddActiveCall(device *models.Device) bool {
	if device == nil {
		return false
	}
	defer c.invalidateStatsCache()

	c.activeCallsMutex.Lock()
	defer c.activeCallsMutex.Unlock()

	for _, d := range c.activeCalls {
		if d.DirNo == device.DirNo {
			return false
		}
	}
	c.activeCalls = append(c.activeCalls, device.Clone())
	return true
}

// RemoveActiveCall removes every active call whose dirno is in dirnos and
// returns the removed devices
func (c *Context) RemoveActiveCall(dirnos ...string) []*models.Device {
	defer c.invalidateStatsCache()

	c.activeCallsMutex.Lock()
	defer c.activeCallsMutex.Unlock()

	var removed []*models.Device
	kept := c.activeCalls[:0]
	for _, d := range c.activeCalls {
		if containsDirNo(dirnos, d.DirNo) {
			removed = append(removed, d)
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(c.activeCalls); i++ {
		c.activeCalls[i] = nil
	}
	c.activeCalls = kept
	return removed
}

// FindActiveCall returns the active call for dirno
func (c *Context) FindActiveCall(dirno string) (*models.Device, bool) {
	c.activeCallsMutex.RLock()
	defer c.activeCallsMutex.RUnlock()

	for _, d := range c.activeCalls {
		if d.DirNo == dirno {
			return d.Clone(), true
		}
	}
	return nil, false
}

// ActiveCalls returns a snapshot of the active calls
func (c *Context) ActiveCalls() []*models.Device {
	c.activeCallsMutex.RLock()
	defer c.activeCallsMutex.RUnlock()

	list := make([]*models.Device, 0, len(c.activeCalls))
	for _, d := range c.activeCalls {
		list = append(list, d.Clone())
	}
	return list
}

// ClearActiveCalls empties the active calls and reports whether any existed
func (c *Context) ClearActiveCalls() bool {
	defer c.invalidateStatsCache()

	c.activeCallsMutex.Lock()
	defer c.activeCallsMutex.Unlock()
	had := len(c.activeCalls) > 0
	c.activeCalls = nil
	return had
}

// Call Queue

// AddQueuedCall adds a leg unless one from the same dirno is already queued.
// It reports whether the queue changed.
func (c *Context) AddQueuedCall(leg *models.CallLegElement) bool {
	if leg == nil {
		return false
	}
	defer c.invalidateStatsCache()

	c.callQueueMutex.Lock()
	defer c.callQueueMutex.Unlock()

	for _, q := range c.callQueue {
		if q.FromDirNo == leg.FromDirNo {
			return false
		}
	}
	c.callQueue = append(c.callQueue, leg.Clone())
	return true
}

// RemoveQueuedCall removes the queued leg from fromDirNo. The queue holds at
// most one leg per caller, so the caller identifies the entry; toDirNo only
// disambiguates when both sides carry one.
func (c *Context) RemoveQueuedCall(fromDirNo, toDirNo string) (*models.CallLegElement, bool) {
	defer c.invalidateStatsCache()

	c.callQueueMutex.Lock()
	defer c.callQueueMutex.Unlock()

	idx := -1
	for i, q := range c.callQueue {
		if q.FromDirNo != fromDirNo {
			continue
		}
		if idx < 0 || (toDirNo != "" && q.ToDirNo == toDirNo) {
			idx = i
		}
	}
	if idx < 0 {
		return nil, false
	}

	removed := c.callQueue[idx]
	c.callQueue = append(c.callQueue[:idx:idx], c.callQueue[idx+1:]...)
	return removed, true
}

// FindQueuedCall returns the queued leg whose caller is dirno
func (c *Context) FindQueuedCall(dirno string) (*models.CallLegElement, bool) {
	c.callQueueMutex.RLock()
	defer c.callQueueMutex.RUnlock()

	for _, q := range c.callQueue {
		if q.FromDirNo == dirno {
			return q.Clone(), true
		}
	}
	return nil, false
}

// QueuedCalls returns a snapshot of the call queue
func (c *Context) QueuedCalls() []*models.CallLegElement {
	c.callQueueMutex.RLock()
	defer c.callQueueMutex.RUnlock()

	list := make([]*models.CallLegElement, 0, len(c.callQueue))
	for _, q := range c.callQueue {
		list = append(list, q.Clone())
	}
	return list
}

// ClearQueue empties the call queue and reports whether any leg existed
func (c *Context) ClearQueue() bool {
	defer c.invalidateStatsCache()

	c.callQueueMutex.Lock()
	defer c.callQueueMutex.Unlock()
	had := len(c.callQueue) > 0
	c.callQueue = nil
	return had
}

// Simple Lists

// SetGroups replaces the group list
func (c *Context) SetGroups(groups []*models.Group) {
	c.listsMutex.Lock()
	defer c.listsMutex.Unlock()
	c.groups = append([]*models.Group(nil), groups...)
}

// Groups returns the group list
func (c *Context) Groups() []*models.Group {
	c.listsMutex.RLock()
	defer c.listsMutex.RUnlock()
	return append([]*models.Group(nil), c.groups...)
}

// SetAudioMessages replaces the audio message list
func (c *Context) SetAudioMessages(msgs []*models.AudioMessage) {
	c.listsMutex.Lock()
	defer c.listsMutex.Unlock()
	c.audioMessages = append([]*models.AudioMessage(nil), msgs...)
}

// AudioMessages returns the audio message list
func (c *Context) AudioMessages() []*models.AudioMessage {
	c.listsMutex.RLock()
	defer c.listsMutex.RUnlock()
	return append([]*models.AudioMessage(nil), c.audioMessages...)
}

// SetForwardingRules replaces the call forwarding rules
func (c *Context) SetForwardingRules(rules []*models.CallForwardingRule) {
	c.listsMutex.Lock()
	defer c.listsMutex.Unlock()
	c.fwdRules = append([]*models.CallForwardingRule(nil), rules...)
}

// ForwardingRules returns the call forwarding rules
func (c *Context) ForwardingRules() []*models.CallForwardingRule {
	c.listsMutex.RLock()
	defer c.listsMutex.RUnlock()
	return append([]*models.CallForwardingRule(nil), c.fwdRules...)
}

// Statistics Functions

// GetDeviceStats returns cached device statistics
func (c *Context) GetDeviceStats() *models.DeviceStats {
	c.statsCacheMutex.RLock()

	if !c.statsCacheTime.IsZero() && time.Since(c.statsCacheTime) < time.Minute {
		defer c.statsCacheMutex.RUnlock()
		return c.statsCache
	}

	c.statsCacheMutex.RUnlock()

	c.updateStatsCache()

	c.statsCacheMutex.RLock()
	defer c.statsCacheMutex.RUnlock()
	return c.statsCache
}

// updateStatsCache updates the statistics cache
func (c *Context) updateStatsCache() {
	devices := c.GetAllDevices()
	active := c.ActiveCalls()
	queued := c.QueuedCalls()

	stats := &models.DeviceStats{
		TotalDevices:  len(devices),
		ActiveCalls:   len(active),
		QueuedCalls:   len(queued),
		DevicesByType: make(map[string]int),
	}

	for _, device := range devices {
		if device.State == models.DeviceReachable {
			stats.ReachableDevices++
		} else {
			stats.UnreachableDevices++
		}

		deviceType := device.DeviceType
		if deviceType == "" {
			deviceType = "Unknown"
		}
		stats.DevicesByType[deviceType]++
	}

	c.statsCacheMutex.Lock()
	defer c.statsCacheMutex.Unlock()
	c.statsCache = stats
	c.statsCacheTime = time.Now()
}

// invalidateStatsCache marks the stats cache as invalid
func (c *Context) invalidateStatsCache() {
	c.statsCacheMutex.Lock()
	defer c.statsCacheMutex.Unlock()
	c.statsCacheTime = time.Time{}
}

// Connection Status Functions

// GetConnectionStatus returns the current backend connection status
func (c *Context) GetConnectionStatus() ConnectionStatus {
	c.statusMutex.RLock()
	defer c.statusMutex.RUnlock()
	return c.connStatus
}

// UpdateConnectionStatus updates the backend connection status
func (c *Context) UpdateConnectionStatus(status ConnectionStatus) {
	c.statusMutex.Lock()
	defer c.statusMutex.Unlock()
	c.connStatus = status
	c.connStatus.LastChange = time.Now()
}

func containsDirNo(dirnos []string, dirno string) bool {
	if dirno == "" {
		return false
	}
	for _, d := range dirnos {
		if d == dirno {
			return true
		}
	}
	return false
}
