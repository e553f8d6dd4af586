package models

import (
	"strings"
)

// DeviceReachability is the registration state reported by the backend
type DeviceReachability string

const (
	DeviceReachable   DeviceReachability = "reachable"
	DeviceUnreachable DeviceReachability = "unreachable"
	DeviceFault       DeviceReachability = "fault"
)

// ParseDeviceReachability falls back to DeviceFault on unknown input
func ParseDeviceReachability(s string) DeviceReachability {
	switch DeviceReachability(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceReachable:
		return DeviceReachable
	case DeviceUnreachable:
		return DeviceUnreachable
	default:
		return DeviceFault
	}
}

// DeviceCallState is the call-related state of a device as seen by the operator
type DeviceCallState string

const (
	DeviceCallReachable DeviceCallState = "reachable"
	DeviceCallRinging   DeviceCallState = "ringing"
	DeviceCallQueued    DeviceCallState = "queued"
	DeviceCallInCall    DeviceCallState = "in_call"
	DeviceCallEnded     DeviceCallState = "ended"
	DeviceCallFault     DeviceCallState = "fault"
)

// ParseDeviceCallState falls back to DeviceCallFault on unknown input
func ParseDeviceCallState(s string) DeviceCallState {
	switch v := DeviceCallState(strings.ToLower(strings.TrimSpace(s))); v {
	case DeviceCallReachable, DeviceCallRinging, DeviceCallQueued,
		DeviceCallInCall, DeviceCallEnded:
		return v
	default:
		return DeviceCallFault
	}
}

// Device represents an intercom station registered in the backend
type Device struct {
	DirNo      string             `json:"dirno"`
	IPAddress  string             `json:"device_ip"`
	Name       string             `json:"name"`
	Location   string             `json:"location,omitempty"`
	DeviceType string             `json:"device_type,omitempty"`
	State      DeviceReachability `json:"state"`
	CallState  DeviceCallState    `json:"call_state,omitempty"`
}

// Clone returns a copy safe to hand out of the registry
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// DisplayName prefers the configured name and falls back to the dirno
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.DirNo
}

// DeviceRegistration is the payload of a device registration event
type DeviceRegistration struct {
	DirNo      string `json:"dirno"`
	IPAddress  string `json:"device_ip"`
	Name       string `json:"name"`
	Location   string `json:"location"`
	DeviceType string `json:"device_type"`
	State      string `json:"state"`
}

// ToDevice converts the event payload to a registry device
func (r *DeviceRegistration) ToDevice() *Device {
	return &Device{
		DirNo:      r.DirNo,
		IPAddress:  r.IPAddress,
		Name:       r.Name,
		Location:   r.Location,
		DeviceType: r.DeviceType,
		State:      ParseDeviceReachability(r.State),
		CallState:  DeviceCallReachable,
	}
}

// DeviceStats aggregates the registry for the status endpoint
type DeviceStats struct {
	TotalDevices       int `json:"totalDevices"`
	ReachableDevices   int `json:"reachableDevices"`
	UnreachableDevices int `json:"unreachableDevices"`
	ActiveCalls        int `json:"activeCalls"`
	QueuedCalls        int `json:"queuedCalls"`

	DevicesByType map[string]int `json:"devicesByType"`
}
