package models

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallElement(t *testing.T) {
	t.Run("parses numeric id sent as number", func(t *testing.T) {
		var p CallPayload
		require.NoError(t, json.Unmarshal([]byte(`{"call_id":42,"from_dirno":"200","to_dirno":"100","priority":"40","state":"in_call","reason":"accept"}`), &p))

		call, err := NewCallElement(&p)
		require.NoError(t, err)
		assert.Equal(t, 42, call.ID)
		assert.Equal(t, 40, call.Priority)
		assert.Equal(t, CallStateInCall, call.State)
		assert.Equal(t, CallReasonAccept, call.Reason)
	})

	t.Run("rejects non numeric id", func(t *testing.T) {
		_, err := NewCallElement(&CallPayload{CallID: "abc"})
		assert.True(t, errors.Is(err, ErrInvalidCallID))
	})

	t.Run("rejects non numeric priority", func(t *testing.T) {
		_, err := NewCallElement(&CallPayload{CallID: "1", Priority: "high"})
		assert.True(t, errors.Is(err, ErrInvalidPriority))
	})

	t.Run("unknown state falls back to fault", func(t *testing.T) {
		call, err := NewCallElement(&CallPayload{CallID: "1", State: "weird", Reason: "weird"})
		require.NoError(t, err)
		assert.Equal(t, CallStateFault, call.State)
		assert.Equal(t, CallReasonFailure, call.Reason)
	})
}

func TestCallElementParties(t *testing.T) {
	call := &CallElement{FromDirNo: "200", ToDirNo: "100"}
	assert.Equal(t, "200", call.OtherParty("100"))
	assert.Equal(t, "100", call.OtherParty("200"))
	assert.True(t, call.Involves("100"))
	assert.False(t, call.Involves("300"))
	assert.False(t, call.Involves(""))

	call.ToDirNoCurrent = "101"
	assert.True(t, call.Involves("101"))
}

func TestNewCallLegElement(t *testing.T) {
	var p LegPayload
	require.NoError(t, json.Unmarshal([]byte(`{"call_id":"7","from_dirno":"300","to_dirno":"100","state":"ringing","leg_role":"caller","priority":10}`), &p))

	leg := NewCallLegElement(&p)
	assert.Equal(t, "300", leg.FromDirNo)
	assert.Equal(t, "100", leg.ToDirNo)
	require.NotNil(t, leg.State)
	assert.Equal(t, LegStateRinging, *leg.State)
	assert.True(t, leg.StateIs(LegStateRinging, LegStateWaiting))
	assert.Equal(t, 10, leg.Priority)
	assert.Equal(t, "300->100", leg.Key())
	assert.Empty(t, leg.Cameras)

	bad := NewCallLegElement(&LegPayload{FromDirNo: "1", State: "??", LegRole: "??", Reason: "??", Priority: "x"})
	assert.Nil(t, bad.State)
	assert.Nil(t, bad.Role)
	assert.Nil(t, bad.Reason)
	assert.Equal(t, 0, bad.Priority)
	assert.False(t, bad.StateIs(LegStateRinging))
}

func TestNewGpioPoint(t *testing.T) {
	t.Run("output without state uses operation", func(t *testing.T) {
		p := NewGpioPoint(GpioOutput, &GpioPayload{ID: "relay1", Operation: "set"}, "")
		assert.Equal(t, GpioActive, p.State)
		assert.False(t, p.Updated.IsZero())
	})

	t.Run("explicit state wins", func(t *testing.T) {
		p := NewGpioPoint(GpioOutput, &GpioPayload{ID: "relay1", Operation: "set", State: "low"}, "")
		assert.Equal(t, GpioInactive, p.State)
	})

	t.Run("input ignores operation", func(t *testing.T) {
		p := NewGpioPoint(GpioInput, &GpioPayload{ID: "gpi1", Operation: "set"}, "")
		assert.Equal(t, GpioUnknown, p.State)
	})
}
