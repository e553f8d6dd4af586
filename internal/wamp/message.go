package wamp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

// Message type codes of the WAMP v2 basic profile
const (
	msgHello        = 1
	msgWelcome      = 2
	msgAbort        = 3
	msgChallenge    = 4
	msgAuthenticate = 5
	msgGoodbye      = 6
	msgError        = 8
	msgSubscribe    = 32
	msgSubscribed   = 33
	msgUnsubscribe  = 34
	msgUnsubscribed = 35
	msgEvent        = 36
	msgCall         = 48
	msgResult       = 50
)

// Subprotocol is the websocket subprotocol for JSON serialization
const Subprotocol = "wamp.2.json"

// frame is a decoded message: its type code and the raw elements after it
type frame struct {
	kind  int
	parts []json.RawMessage
}

func decodeFrame(data []byte) (*frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("decode message: empty array")
	}
	var kind int
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return nil, fmt.Errorf("decode message type: %w", err)
	}
	return &frame{kind: kind, parts: raw[1:]}, nil
}

func (f *frame) id(i int) (uint64, error) {
	if i >= len(f.parts) {
		return 0, fmt.Errorf("message %d: missing element %d", f.kind, i+1)
	}
	var v uint64
	if err := json.Unmarshal(f.parts[i], &v); err != nil {
		return 0, fmt.Errorf("message %d: element %d: %w", f.kind, i+1, err)
	}
	return v, nil
}

func (f *frame) str(i int) string {
	if i >= len(f.parts) {
		return ""
	}
	var s string
	_ = json.Unmarshal(f.parts[i], &s)
	return s
}

func (f *frame) dict(i int) map[string]interface{} {
	if i >= len(f.parts) {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(f.parts[i], &m)
	return m
}

func (f *frame) args(i int) []json.RawMessage {
	if i >= len(f.parts) {
		return nil
	}
	var a []json.RawMessage
	_ = json.Unmarshal(f.parts[i], &a)
	return a
}

func (f *frame) raw(i int) json.RawMessage {
	if i >= len(f.parts) {
		return nil
	}
	return f.parts[i]
}

func encode(kind int, parts ...interface{}) ([]byte, error) {
	msg := make([]interface{}, 0, len(parts)+1)
	msg = append(msg, kind)
	msg = append(msg, parts...)
	return json.Marshal(msg)
}

// Result is the answer to a CALL
type Result struct {
	Args   []json.RawMessage
	Kwargs json.RawMessage
}

// Decode unmarshals the first positional argument, or the keyword arguments
// when the result has none
func (r *Result) Decode(v interface{}) error {
	data := r.Payload()
	if len(data) == 0 {
		return errors.New("empty result")
	}
	return json.Unmarshal(data, v)
}

// Payload returns the first positional argument or the keyword arguments
func (r *Result) Payload() json.RawMessage {
	if r == nil {
		return nil
	}
	if len(r.Args) > 0 {
		return r.Args[0]
	}
	return r.Kwargs
}

// Event is one publication received on a subscription
type Event struct {
	Topic          string
	SubscriptionID uint64
	PublicationID  uint64
	Details        map[string]interface{}
	Args           []json.RawMessage
	Kwargs         json.RawMessage
}

// Payload returns the first positional argument or the keyword arguments
func (e *Event) Payload() json.RawMessage {
	if len(e.Args) > 0 {
		return e.Args[0]
	}
	return e.Kwargs
}

// Error is an ERROR or ABORT received from the router
type Error struct {
	URI     string
	Details map[string]interface{}
	Args    []json.RawMessage
}

func (e *Error) Error() string {
	if len(e.Args) > 0 {
		return fmt.Sprintf("%s: %s", e.URI, string(e.Args[0]))
	}
	return e.URI
}

// Is maps router error URIs onto the shared sentinel errors
func (e *Error) Is(target error) bool {
	switch target {
	case models.ErrNotAuthorized, models.ErrUnauthorized:
		return strings.HasSuffix(e.URI, "not_authorized") ||
			strings.HasSuffix(e.URI, "authorization_failed") ||
			strings.HasSuffix(e.URI, "authentication_failed")
	case models.ErrAuthenticationFailed:
		return strings.HasSuffix(e.URI, "authentication_failed")
	case models.ErrRPCFailed:
		return true
	}
	return false
}
