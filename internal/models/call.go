package models

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CallState is the state of a call as reported on the call topic
type CallState string

const (
	CallStateInit    CallState = "init"
	CallStateQueued  CallState = "queued"
	CallStateRinging CallState = "ringing"
	CallStateInCall  CallState = "in_call"
	CallStateEnded   CallState = "ended"
	CallStateFault   CallState = "fault"
)

// ParseCallState falls back to CallStateFault on unknown input
func ParseCallState(s string) CallState {
	switch v := CallState(strings.ToLower(strings.TrimSpace(s))); v {
	case CallStateInit, CallStateQueued, CallStateRinging, CallStateInCall, CallStateEnded:
		return v
	default:
		return CallStateFault
	}
}

// CallReason explains a call state transition
type CallReason string

const (
	CallReasonNone      CallReason = "none"
	CallReasonAccept    CallReason = "accept"
	CallReasonAbandoned CallReason = "abandoned"
	CallReasonCancel    CallReason = "cancel"
	CallReasonTimeout   CallReason = "timeout"
	CallReasonBusy      CallReason = "busy"
	CallReasonFailure   CallReason = "failure"
)

// ParseCallReason falls back to CallReasonFailure on unknown input
func ParseCallReason(s string) CallReason {
	switch v := CallReason(strings.ToLower(strings.TrimSpace(s))); v {
	case CallReasonNone, CallReasonAccept, CallReasonAbandoned,
		CallReasonCancel, CallReasonTimeout, CallReasonBusy:
		return v
	case "":
		return CallReasonNone
	default:
		return CallReasonFailure
	}
}

// CallAction is the action requested when posting a call
type CallAction string

const (
	CallActionSetup  CallAction = "setup"
	CallActionAnswer CallAction = "answer"
)

// FlexString decodes a JSON string or number into its textual form.
// The backend is not consistent about quoting numeric ids.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(data)
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

// CallPayload is the raw body of a call status event or call list entry
type CallPayload struct {
	CallID         FlexString    `json:"call_id"`
	CallType       string        `json:"call_type"`
	FromDirNo      string        `json:"from_dirno"`
	FromName       string        `json:"from_name"`
	ToDirNo        string        `json:"to_dirno"`
	ToName         string        `json:"to_name"`
	ToDirNoCurrent string        `json:"to_dirno_current"`
	Priority       FlexString    `json:"priority"`
	Reason         string        `json:"reason"`
	State          string        `json:"state"`
	StartTime      string        `json:"start_time"`
	Legs           []*LegPayload `json:"call_legs,omitempty"`
}

// CallElement is one tracked call instance
type CallElement struct {
	ID             int               `json:"call_id"`
	CallType       string            `json:"call_type"`
	FromDirNo      string            `json:"from_dirno"`
	FromName       string            `json:"from_name,omitempty"`
	ToDirNo        string            `json:"to_dirno"`
	ToName         string            `json:"to_name,omitempty"`
	ToDirNoCurrent string            `json:"to_dirno_current,omitempty"`
	Priority       int               `json:"priority"`
	Reason         CallReason        `json:"reason"`
	State          CallState         `json:"state"`
	StartTime      time.Time         `json:"start_time"`
	Legs           []*CallLegElement `json:"call_legs,omitempty"`
}

// NewCallElement builds a call from its payload. A call without a numeric id
// cannot be tracked, so id and priority parse failures are returned as errors.
// An empty priority is treated as zero.
func NewCallElement(p *CallPayload) (*CallElement, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidCallID)
	}

	id, err := strconv.Atoi(strings.TrimSpace(p.CallID.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCallID, p.CallID)
	}

	priority := 0
	if s := strings.TrimSpace(p.Priority.String()); s != "" {
		priority, err = strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, p.Priority)
		}
	}

	call := &CallElement{
		ID:             id,
		CallType:       p.CallType,
		FromDirNo:      p.FromDirNo,
		FromName:       p.FromName,
		ToDirNo:        p.ToDirNo,
		ToName:         p.ToName,
		ToDirNoCurrent: p.ToDirNoCurrent,
		Priority:       priority,
		Reason:         ParseCallReason(p.Reason),
		State:          ParseCallState(p.State),
		StartTime:      parseTimestamp(p.StartTime),
	}

	for _, lp := range p.Legs {
		if lp == nil {
			continue
		}
		call.Legs = append(call.Legs, NewCallLegElement(lp))
	}

	return call, nil
}

// Involves reports whether dirno is an endpoint of the call, including the
// current redirect target of an answered queue call
func (c *CallElement) Involves(dirno string) bool {
	if dirno == "" {
		return false
	}
	return c.FromDirNo == dirno || c.ToDirNo == dirno || c.ToDirNoCurrent == dirno
}

// OtherParty returns the endpoint that is not self
func (c *CallElement) OtherParty(self string) string {
	if c.FromDirNo == self {
		return c.ToDirNo
	}
	return c.FromDirNo
}

// LegState is the queue membership state of a call leg
type LegState string

const (
	LegStateInit    LegState = "init"
	LegStateRinging LegState = "ringing"
	LegStateWaiting LegState = "waiting"
	LegStateInCall  LegState = "in_call"
	LegStateEnded   LegState = "ended"
)

// ParseLegState returns nil on unknown input
func ParseLegState(s string) *LegState {
	switch v := LegState(strings.ToLower(strings.TrimSpace(s))); v {
	case LegStateInit, LegStateRinging, LegStateWaiting, LegStateInCall, LegStateEnded:
		return &v
	default:
		return nil
	}
}

// LegRole is the role of a leg within its call
type LegRole string

const (
	LegRoleCaller    LegRole = "caller"
	LegRoleCallee    LegRole = "callee"
	LegRoleForwarded LegRole = "forwarded"
)

// ParseLegRole returns nil on unknown input
func ParseLegRole(s string) *LegRole {
	switch v := LegRole(strings.ToLower(strings.TrimSpace(s))); v {
	case LegRoleCaller, LegRoleCallee, LegRoleForwarded:
		return &v
	default:
		return nil
	}
}

// ParseLegReason returns nil on empty or unknown input
func ParseLegReason(s string) *CallReason {
	switch v := CallReason(strings.ToLower(strings.TrimSpace(s))); v {
	case CallReasonNone, CallReasonAccept, CallReasonAbandoned,
		CallReasonCancel, CallReasonTimeout, CallReasonBusy, CallReasonFailure:
		return &v
	default:
		return nil
	}
}

// LegPayload is the raw body of a call leg event or call leg list entry
type LegPayload struct {
	LegID     FlexString `json:"leg_id"`
	CallID    FlexString `json:"call_id"`
	CallType  string     `json:"call_type"`
	Channel   string     `json:"channel"`
	DirNo     string     `json:"dirno"`
	FromDirNo string     `json:"from_dirno"`
	FromName  string     `json:"from_name"`
	ToDirNo   string     `json:"to_dirno"`
	LegRole   string     `json:"leg_role"`
	Priority  FlexString `json:"priority"`
	Reason    string     `json:"reason"`
	State     string     `json:"state"`
	Cameras   []string   `json:"cameras,omitempty"`
}

// CallLegElement is one membership of a call in the operator queue
type CallLegElement struct {
	LegID     string      `json:"leg_id,omitempty"`
	CallID    string      `json:"call_id"`
	CallType  string      `json:"call_type"`
	Channel   string      `json:"channel,omitempty"`
	DirNo     string      `json:"dirno"`
	FromDirNo string      `json:"from_dirno"`
	FromName  string      `json:"from_name,omitempty"`
	ToDirNo   string      `json:"to_dirno"`
	Role      *LegRole    `json:"leg_role"`
	Priority  int         `json:"priority"`
	Reason    *CallReason `json:"reason"`
	State     *LegState   `json:"state"`
	Cameras   []string    `json:"cameras"`
	Received  time.Time   `json:"received"`
}

// NewCallLegElement never fails; unparsable enums are left nil and an
// unparsable priority is zero
func NewCallLegElement(p *LegPayload) *CallLegElement {
	priority, _ := strconv.Atoi(strings.TrimSpace(p.Priority.String()))

	cameras := p.Cameras
	if cameras == nil {
		cameras = []string{}
	}

	return &CallLegElement{
		LegID:     p.LegID.String(),
		CallID:    p.CallID.String(),
		CallType:  p.CallType,
		Channel:   p.Channel,
		DirNo:     p.DirNo,
		FromDirNo: p.FromDirNo,
		FromName:  p.FromName,
		ToDirNo:   p.ToDirNo,
		Role:      ParseLegRole(p.LegRole),
		Priority:  priority,
		Reason:    ParseLegReason(p.Reason),
		State:     ParseLegState(p.State),
		Cameras:   cameras,
		Received:  time.Now(),
	}
}

// Key identifies the leg inside the queue
func (l *CallLegElement) Key() string {
	if l.LegID != "" {
		return l.LegID
	}
	return l.FromDirNo + "->" + l.ToDirNo
}

// StateIs compares the leg state, treating nil as no match
func (l *CallLegElement) StateIs(states ...LegState) bool {
	if l.State == nil {
		return false
	}
	for _, s := range states {
		if *l.State == s {
			return true
		}
	}
	return false
}

// ReasonIs compares the leg reason, treating nil as no match
func (l *CallLegElement) ReasonIs(r CallReason) bool {
	return l.Reason != nil && *l.Reason == r
}

// Clone returns a copy safe to hand out of the registry
func (l *CallLegElement) Clone() *CallLegElement {
	if l == nil {
		return nil
	}
	c := *l
	c.Cameras = append([]string{}, l.Cameras...)
	return &c
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}
