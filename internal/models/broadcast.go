package models

import (
	"strings"
)

// Group is a dirno addressing several devices
type Group struct {
	DirNo       string   `json:"dirno"`
	DisplayName string   `json:"displayname"`
	Priority    int      `json:"priority,omitempty"`
	Members     []string `json:"members,omitempty"`
}

// AudioMessage is a prerecorded message stored on the backend
type AudioMessage struct {
	DirNo    string `json:"dirno"`
	FileName string `json:"filename"`
	FilePath string `json:"filepath,omitempty"`
	Duration int    `json:"duration"`
}

// ForwardingType selects when a forwarding rule applies
type ForwardingType string

const (
	ForwardUnconditional ForwardingType = "unconditional"
	ForwardOnBusy        ForwardingType = "on_busy"
	ForwardOnTimeout     ForwardingType = "on_timeout"
)

// ParseForwardingType returns false for unknown input
func ParseForwardingType(s string) (ForwardingType, bool) {
	switch v := ForwardingType(strings.ToLower(strings.TrimSpace(s))); v {
	case ForwardUnconditional, ForwardOnBusy, ForwardOnTimeout:
		return v, true
	default:
		return "", false
	}
}

// CallForwardingRule forwards calls for dirno to another dirno
type CallForwardingRule struct {
	DirNo   string         `json:"dirno"`
	FwdType ForwardingType `json:"fwd_type"`
	FwdTo   string         `json:"fwd_to"`
	Enabled bool           `json:"enabled"`
}

// AudioEventKind distinguishes the audio analytics topics
type AudioEventKind string

const (
	AudioDetection AudioEventKind = "detection"
	AudioData      AudioEventKind = "data"
	AudioHeartbeat AudioEventKind = "heartbeat"
)

// AudioEvent is an audio analytics notification from a device
type AudioEvent struct {
	Kind  AudioEventKind         `json:"kind"`
	DirNo string                 `json:"dirno"`
	Data  map[string]interface{} `json:"data"`
}
