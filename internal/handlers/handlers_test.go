package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend records every request and answers from canned data
type fakeBackend struct {
	mu       sync.Mutex
	log      []string
	calls    []*models.CallPayload
	legs     []*models.LegPayload
	groups   []*models.Group
	messages []*models.AudioMessage
	gpos     []*models.GpioPayload
	fail     map[string]error
	reject   map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: map[string]error{}, reject: map[string]string{}}
}

func (f *fakeBackend) record(op string) (models.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, op)
	name, _, _ := strings.Cut(op, " ")
	if err := f.fail[name]; err != nil {
		return models.Failure(err), err
	}
	if msg, ok := f.reject[name]; ok {
		return models.OperationResult{Status: models.ResultFailure, Message: msg}, nil
	}
	return models.Success(name + " completed"), nil
}

func (f *fakeBackend) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeBackend) CallList(ctx context.Context, _ rpc.CallFilter) ([]*models.CallPayload, error) {
	if _, err := f.record("list"); err != nil {
		return nil, err
	}
	return f.calls, nil
}

func (f *fakeBackend) CallLegs(ctx context.Context, _ rpc.CallFilter) ([]*models.LegPayload, error) {
	if _, err := f.record("legs"); err != nil {
		return nil, err
	}
	return f.legs, nil
}

func (f *fakeBackend) PostCall(ctx context.Context, req rpc.PostCallRequest) (models.OperationResult, error) {
	return f.record(fmt.Sprintf("post %s->%s", req.FromDirNo, req.ToDirNo))
}

func (f *fakeBackend) DeleteCallByID(ctx context.Context, callID int) (models.OperationResult, error) {
	return f.record(fmt.Sprintf("delete %d", callID))
}

func (f *fakeBackend) DeleteCalls(ctx context.Context, fromDirNo string) (models.OperationResult, error) {
	return f.record("deleteall " + fromDirNo)
}

func (f *fakeBackend) Groups(ctx context.Context) ([]*models.Group, error) {
	if _, err := f.record("groups"); err != nil {
		return nil, err
	}
	return f.groups, nil
}

func (f *fakeBackend) AudioMessages(ctx context.Context) ([]*models.AudioMessage, error) {
	if _, err := f.record("messages"); err != nil {
		return nil, err
	}
	return f.messages, nil
}

func (f *fakeBackend) KeyPress(ctx context.Context, dirno, key, edge string) (models.OperationResult, error) {
	return f.record(fmt.Sprintf("key %s/%s/%s", dirno, key, edge))
}

func (f *fakeBackend) ToneTest(ctx context.Context, dirno, toneGroup string) (models.OperationResult, error) {
	return f.record("tone " + dirno)
}

func (f *fakeBackend) OpenDoor(ctx context.Context, fromDirNo string) (models.OperationResult, error) {
	return f.record("door " + fromDirNo)
}

func (f *fakeBackend) Gpos(ctx context.Context, dirno string) ([]*models.GpioPayload, error) {
	if _, err := f.record("gpos " + dirno); err != nil {
		return nil, err
	}
	return f.gpos, nil
}

func (f *fakeBackend) Gpis(ctx context.Context, dirno string) ([]*models.GpioPayload, error) {
	if _, err := f.record("gpis " + dirno); err != nil {
		return nil, err
	}
	return f.gpos, nil
}

func (f *fakeBackend) SetGpo(ctx context.Context, dirno, id string, op models.GpioOperation, timeSec int) (models.OperationResult, error) {
	return f.record(fmt.Sprintf("gpo %s/%s/%s/%d", dirno, id, op, timeSec))
}

type collector struct {
	mu     sync.Mutex
	events []bus.Notification
}

func (c *collector) handle(n bus.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, n)
}

func (c *collector) count(t bus.Topic) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Topic == t {
			n++
		}
	}
	return n
}

func newRegistry() *appContext.Context {
	registry := appContext.New("100")
	registry.SetDevices([]*models.Device{
		{DirNo: "100", Name: "Operator"},
		{DirNo: "200", Name: "Gate"},
		{DirNo: "300", Name: "Lobby"},
	})
	return registry
}

func newBus() (*bus.Bus, *collector) {
	b := bus.New()
	c := &collector{}
	b.Subscribe(c.handle)
	return b, c
}

func TestPostCallHangsUpCurrent(t *testing.T) {
	backend := newFakeBackend()
	backend.calls = []*models.CallPayload{
		{CallID: "11", FromDirNo: "200", ToDirNo: "100", State: "in_call"},
	}
	registry := newRegistry()
	d, _ := registry.GetDevice("200")
	registry.AddActiveCall(d)
	b, events := newBus()

	h := NewCallHandler(backend, registry, b)
	res, err := h.PostCall(context.Background(), "100", "300", "", true)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	assert.Equal(t, []string{"list", "delete 11", "post 100->300"}, backend.requests())
	assert.Empty(t, registry.ActiveCalls())
	assert.Equal(t, 1, events.count(bus.ActiveCallListChanged))
}

func TestPostCallWithoutHangUp(t *testing.T) {
	backend := newFakeBackend()
	registry := newRegistry()
	d, _ := registry.GetDevice("200")
	registry.AddActiveCall(d)
	b, _ := newBus()

	h := NewCallHandler(backend, registry, b)
	_, err := h.PostCall(context.Background(), "100", "300", models.CallActionSetup, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"post 100->300"}, backend.requests())
	assert.Len(t, registry.ActiveCalls(), 1)
}

func TestPostCallFailures(t *testing.T) {
	backend := newFakeBackend()
	b, events := newBus()
	h := NewCallHandler(backend, newRegistry(), b)

	_, err := h.PostCall(context.Background(), "", "300", "", false)
	assert.ErrorIs(t, err, models.ErrInvalidDirNo)

	backend.reject["post"] = "Destination busy"
	res, err := h.PostCall(context.Background(), "100", "300", "", false)
	assert.ErrorIs(t, err, models.ErrRPCFailed)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "Destination busy", res.Message)

	assert.Equal(t, 2, events.count(bus.ExceptionThrown))
}

func TestDeleteCallFindsQueuedLeg(t *testing.T) {
	backend := newFakeBackend()
	backend.legs = []*models.LegPayload{
		{CallID: "21", FromDirNo: "300", ToDirNo: "100", State: "ringing"},
	}
	registry := newRegistry()
	registry.AddQueuedCall(models.NewCallLegElement(backend.legs[0]))
	b, events := newBus()

	h := NewCallHandler(backend, registry, b)
	_, err := h.DeleteCall(context.Background(), "300")
	require.NoError(t, err)
	assert.Equal(t, []string{"list", "legs", "delete 21"}, backend.requests())
	assert.Empty(t, registry.QueuedCalls())
	assert.Equal(t, 1, events.count(bus.CallQueueListChanged))

	_, err = h.DeleteCall(context.Background(), "999")
	assert.ErrorIs(t, err, models.ErrCallNotFound)
}

func TestDeleteCallByID(t *testing.T) {
	backend := newFakeBackend()
	b, _ := newBus()
	h := NewCallHandler(backend, newRegistry(), b)

	_, err := h.DeleteCallByID(context.Background(), 0)
	assert.ErrorIs(t, err, models.ErrInvalidCallID)

	_, err = h.DeleteCallByID(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete 5"}, backend.requests())
}

func TestDeleteAllCallsClearsRegistry(t *testing.T) {
	backend := newFakeBackend()
	backend.calls = []*models.CallPayload{
		{CallID: "1", FromDirNo: "200", ToDirNo: "100"},
		{CallID: "x", FromDirNo: "400", ToDirNo: "100"},
		{CallID: "2", FromDirNo: "300", ToDirNo: "100"},
	}
	registry := newRegistry()
	d, _ := registry.GetDevice("200")
	registry.AddActiveCall(d)
	registry.AddQueuedCall(models.NewCallLegElement(&models.LegPayload{FromDirNo: "300", ToDirNo: "100", State: "ringing"}))
	b, events := newBus()

	h := NewCallHandler(backend, registry, b)
	require.NoError(t, h.DeleteAllCalls(context.Background()))
	assert.Equal(t, []string{"list", "delete 1", "delete 2"}, backend.requests())
	assert.Empty(t, registry.ActiveCalls())
	assert.Empty(t, registry.QueuedCalls())
	assert.Equal(t, 1, events.count(bus.ActiveCallListChanged))
	assert.Equal(t, 1, events.count(bus.CallQueueListChanged))

	backend.fail["list"] = models.ErrRPCTimeout
	assert.ErrorIs(t, h.DeleteAllCalls(context.Background()), models.ErrRPCTimeout)
}

func TestRetrieveGroupsAndMessages(t *testing.T) {
	backend := newFakeBackend()
	backend.groups = []*models.Group{{DirNo: "9000", DisplayName: "All"}}
	registry := newRegistry()
	b, events := newBus()
	h := NewBroadcastingHandler(backend, registry, b)

	groups, err := h.RetrieveGroups(context.Background())
	require.NoError(t, err)
	assert.Len(t, groups, 1)
	assert.Equal(t, "All", registry.Groups()[0].DisplayName)
	assert.Equal(t, 1, events.count(bus.GroupsListChanged))

	msgs, err := h.RetrieveAudioMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs)

	backend.fail["messages"] = models.ErrNotConnected
	_, err = h.RetrieveAudioMessages(context.Background())
	assert.ErrorIs(t, err, models.ErrNotConnected)
	assert.Equal(t, 2, events.count(bus.AudioMessagesChanged))

	h.groupsBusy.Store(true)
	_, err = h.RetrieveGroups(context.Background())
	assert.ErrorIs(t, err, models.ErrOperationInProgress)
}

func waitPlayback(t *testing.T, h *BroadcastingHandler) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.Playing() }, time.Second, 5*time.Millisecond)
}

func TestPlayAudioMessageRepeats(t *testing.T) {
	backend := newFakeBackend()
	b, _ := newBus()
	h := NewBroadcastingHandler(backend, newRegistry(), b)
	h.unit = time.Millisecond

	msg := &models.AudioMessage{DirNo: "8001", FileName: "evac.wav", Duration: 2}
	require.NoError(t, h.PlayAudioMessage(context.Background(), msg, "9000", 3))
	waitPlayback(t, h)

	assert.Equal(t, []string{"post 8001->9000", "post 8001->9000", "post 8001->9000"}, backend.requests())
	assert.False(t, h.StopAudioMessage())
}

func TestNewPlaybackCancelsPrevious(t *testing.T) {
	backend := newFakeBackend()
	b, _ := newBus()
	h := NewBroadcastingHandler(backend, newRegistry(), b)
	h.unit = time.Hour

	first := &models.AudioMessage{DirNo: "8001", Duration: 1}
	require.NoError(t, h.PlayAudioMessage(context.Background(), first, "9000", 5))
	require.Eventually(t, func() bool { return len(backend.requests()) == 1 }, time.Second, 5*time.Millisecond)

	h.unit = time.Millisecond
	second := &models.AudioMessage{DirNo: "8002", Duration: 1}
	require.NoError(t, h.PlayAudioMessage(context.Background(), second, "9000", 1))
	waitPlayback(t, h)

	assert.Equal(t, []string{"post 8001->9000", "deleteall 8001", "post 8002->9000"}, backend.requests())
}

func TestStopAudioMessage(t *testing.T) {
	backend := newFakeBackend()
	b, _ := newBus()
	h := NewBroadcastingHandler(backend, newRegistry(), b)
	h.unit = time.Hour

	require.NoError(t, h.PlayAudioMessage(context.Background(), &models.AudioMessage{DirNo: "8001", Duration: 1}, "9000", 2))
	require.Eventually(t, func() bool { return len(backend.requests()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, h.StopAudioMessage())
	require.Eventually(t, func() bool { return len(backend.requests()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "deleteall 8001", backend.requests()[1])

	assert.Error(t, h.PlayAudioMessage(context.Background(), nil, "9000", 1))
}

func TestDeviceCommands(t *testing.T) {
	backend := newFakeBackend()
	b, events := newBus()
	registry := newRegistry()
	devices := NewDeviceHandler(backend, registry, b)
	doors := NewAccessControlHandler(backend, registry, b)
	ctx := context.Background()

	res, err := devices.SimulateKeyPress(ctx, "200", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, "key completed", res.Message)

	_, err = devices.SimulateKeyPress(ctx, "200", "p1", "hold")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = devices.ToneTest(ctx, "555", "")
	assert.ErrorIs(t, err, models.ErrDeviceNotFound)

	_, err = doors.OpenDoor(ctx, "200")
	require.NoError(t, err)

	backend.reject["door"] = "No active call"
	res, err = doors.OpenDoor(ctx, "200")
	assert.ErrorIs(t, err, models.ErrRPCFailed)
	assert.Equal(t, models.ResultFailure, res.Status)

	assert.Equal(t, []string{"key 200/p1/tap", "door 200", "door 200"}, backend.requests())
	assert.Equal(t, 3, events.count(bus.ExceptionThrown))
}

func TestGpioHandler(t *testing.T) {
	backend := newFakeBackend()
	backend.gpos = []*models.GpioPayload{
		{ID: "relay1", Operation: "set"},
		{ID: ""},
		{ID: "relay2", State: "inactive"},
	}
	b, _ := newBus()
	h := NewGpioHandler(backend, newRegistry(), b, 0)
	ctx := context.Background()

	points, err := h.GetGpos(ctx, "200")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, models.GpioActive, points[0].State)
	assert.Equal(t, models.GpioOutput, points[0].Direction)

	inputs, err := h.GetGpis(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, models.GpioInput, inputs[0].Direction)

	_, err = h.SetGpo(ctx, "200", "relay1", models.GpoSlowBlink, 5)
	require.NoError(t, err)
	_, err = h.SetGpo(ctx, "200", "relay1", "toggle", 0)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	assert.Equal(t, []string{"gpos 200", "gpis 200", "gpo 200/relay1/slow_blink/5"}, backend.requests())
}

func TestGpioSnapshotRateLimited(t *testing.T) {
	backend := newFakeBackend()
	b, _ := newBus()
	h := NewGpioHandler(backend, newRegistry(), b, time.Hour)

	_, err := h.GetGpos(context.Background(), "200")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.GetGpis(ctx, "200")
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, []string{"gpos 200"}, backend.requests(), "a cancelled read issues no request")
}

// fakeREST serves forwarding rules per dirno
type fakeREST struct {
	mu      sync.Mutex
	rules   map[string]string
	log     []string
	posted  interface{}
	failFor map[string]error
}

func (f *fakeREST) Get(ctx context.Context, endpoint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "GET "+endpoint)
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	dirno := u.Query().Get("dirno")
	if err := f.failFor[dirno]; err != nil {
		return "", err
	}
	return f.rules[dirno], nil
}

func (f *fakeREST) Post(ctx context.Context, endpoint string, body interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "POST "+endpoint)
	f.posted = body
	return "", nil
}

func (f *fakeREST) Delete(ctx context.Context, endpoint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "DELETE "+endpoint)
	return "", nil
}

func TestRetrieveForwardingRulesPerDevice(t *testing.T) {
	rest := &fakeREST{
		rules: map[string]string{
			"100": `[{"dirno":"100","fwd_type":"on_busy","fwd_to":"300","enabled":true}]`,
			"200": `{"fwd_type":"unconditional","fwd_to":"100","enabled":false}`,
			"300": `not json`,
		},
		failFor: map[string]error{},
	}
	registry := newRegistry()
	b, events := newBus()
	h := NewForwardingHandler(rest, registry, b)

	rules, err := h.RetrieveRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "200", rules[1].DirNo, "dirno defaults to the queried device")
	assert.Len(t, registry.ForwardingRules(), 2)
	assert.Equal(t, 1, events.count(bus.CallForwardingChanged))
	assert.Len(t, rest.log, 3)

	rest.failFor["200"] = fmt.Errorf("get: %w", models.ErrUnauthorized)
	_, err = h.RetrieveRules(context.Background())
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}

func TestForwardingChangesTriggerRetrieval(t *testing.T) {
	rest := &fakeREST{rules: map[string]string{}, failFor: map[string]error{}}
	registry := appContext.New("100")
	registry.SetDevices([]*models.Device{{DirNo: "100"}})
	b, events := newBus()
	h := NewForwardingHandler(rest, registry, b)
	ctx := context.Background()

	_, err := h.AddOrUpdateRules(ctx, []*models.CallForwardingRule{{DirNo: "100", FwdType: "ON_BUSY", FwdTo: "200", Enabled: true}})
	require.NoError(t, err)
	posted := rest.posted.([]*models.CallForwardingRule)
	assert.Equal(t, models.ForwardOnBusy, posted[0].FwdType)

	_, err = h.DeleteRule(ctx, "100", models.ForwardOnBusy)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/call_forwarding",
		"GET /api/call_forwarding?dirno=100",
		"DELETE /api/call_forwarding?dirno=100&fwd_type=on_busy",
		"GET /api/call_forwarding?dirno=100",
	}, rest.log)
	assert.Equal(t, 2, events.count(bus.CallForwardingChanged))

	_, err = h.AddOrUpdateRules(ctx, []*models.CallForwardingRule{{DirNo: "100", FwdType: "sometimes"}})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = h.AddOrUpdateRules(ctx, []*models.CallForwardingRule{{DirNo: "100", FwdType: "on_timeout", Enabled: true}})
	assert.ErrorIs(t, err, models.ErrMissingRequired)
	_, err = h.DeleteRule(ctx, "100", "bogus")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
