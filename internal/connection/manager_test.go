package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	logins    atomic.Int32
	failFirst int32
	failAll   atomic.Bool
	lifetime  time.Duration
}

func (a *fakeAuth) Login(ctx context.Context) (*Token, error) {
	n := a.logins.Add(1)
	if n <= a.failFirst || a.failAll.Load() {
		return nil, models.ErrUnauthorized
	}
	return NewToken("ticket", a.lifetime), nil
}

type fakeSession struct {
	done      chan struct{}
	closeOnce sync.Once
	calls     atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*wamp.Result, error) {
	s.calls.Add(1)
	return &wamp.Result{}, nil
}

func (s *fakeSession) Subscribe(ctx context.Context, topic string, handler wamp.EventHandler) (uint64, error) {
	return 1, nil
}

func (s *fakeSession) Unsubscribe(ctx context.Context, subID uint64) error { return nil }
func (s *fakeSession) Done() <-chan struct{}                               { return s.done }
func (s *fakeSession) Err() error                                          { return models.ErrSessionClosed }

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	fail     bool
	block    chan struct{}
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, ticket string) (Session, error) {
	d.mu.Lock()
	d.dials++
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, models.ErrConnectionFailed
	}

	s := newFakeSession()
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func testOptions() Options {
	return Options{
		AuthRetryInterval:      10 * time.Millisecond,
		SessionTimeout:         time.Hour,
		InitialReconnectBudget: 50,
		ReconnectBudget:        10,
		ReconnectDelay:         5 * time.Millisecond,
		RPCTimeout:             100 * time.Millisecond,
	}
}

func TestManagerConnects(t *testing.T) {
	b := bus.New()
	events, cancel := b.Channel(16, bus.ConnectionChanged)
	defer cancel()

	registry := appContext.New("100")
	dialer := &fakeDialer{}
	m := NewManager(testOptions(), &fakeAuth{}, dialer, b, registry)

	var hooked atomic.Int32
	m.OnConnected(func(ctx context.Context) { hooked.Add(1) })

	m.Start()
	defer m.Stop()

	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 10, m.RemainingBudget())
	require.Eventually(t, func() bool { return hooked.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, registry.GetConnectionStatus().Connected)

	n := <-events
	assert.Equal(t, true, n.Payload)

	_, err := m.Call(context.Background(), "com.zenitel.calls", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dialer.last().calls.Load())
}

func TestManagerCallWithoutSession(t *testing.T) {
	m := NewManager(testOptions(), &fakeAuth{}, &fakeDialer{}, bus.New(), nil)
	_, err := m.Call(context.Background(), "com.zenitel.calls", nil, nil)
	assert.True(t, errors.Is(err, models.ErrNotConnected))
}

func TestManagerReconnectsAfterSessionBreak(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testOptions(), &fakeAuth{}, dialer, bus.New(), nil)

	var disconnects atomic.Int32
	m.OnDisconnected(func(ctx context.Context) { disconnects.Add(1) })

	m.Start()
	defer m.Stop()
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	first := dialer.last()
	_ = first.Close()

	require.Eventually(t, func() bool {
		return m.IsConnected() && dialer.last() != first
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, dialer.count())
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 10, m.RemainingBudget(), "budget resets on connect")
}

func TestManagerAuthRetriesDoNotConsumeBudget(t *testing.T) {
	opts := testOptions()
	opts.InitialReconnectBudget = 1
	auth := &fakeAuth{failFirst: 5}
	m := NewManager(opts, auth, &fakeDialer{}, bus.New(), nil)

	m.Start()
	defer m.Stop()

	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, auth.logins.Load(), int32(6))
}

func TestManagerGivesUpWhenBudgetExhausted(t *testing.T) {
	b := bus.New()
	exceptions, cancel := b.Channel(4, bus.ExceptionThrown)
	defer cancel()

	opts := testOptions()
	opts.InitialReconnectBudget = 3
	dialer := &fakeDialer{fail: true}
	m := NewManager(opts, &fakeAuth{}, dialer, b, nil)

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == StateFailed }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, dialer.count())
	assert.False(t, m.IsConnected())

	select {
	case n := <-exceptions:
		info := n.Payload.(bus.ExceptionInfo)
		assert.True(t, errors.Is(info.Err(), models.ErrReconnectBudgetExhausted))
	case <-time.After(time.Second):
		t.Fatal("no exception published")
	}

	// a manual reconnect revives it
	dialer.mu.Lock()
	dialer.fail = false
	dialer.mu.Unlock()
	require.NoError(t, m.Reconnect())
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
}

func TestManagerStopHaltsReconnects(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	m := NewManager(testOptions(), &fakeAuth{}, dialer, bus.New(), nil)

	m.Start()
	require.Eventually(t, func() bool { return dialer.count() >= 2 }, time.Second, time.Millisecond)

	m.Stop()
	// an attempt that passed its generation check just before Stop may
	// still reach the dialer once
	time.Sleep(20 * time.Millisecond)
	after := dialer.count()
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, after, dialer.count())
	assert.False(t, m.IsConnected())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Error(t, m.Reconnect(), "a stopped manager does not reconnect by itself")
}

func TestManagerStopDuringDialDiscardsSession(t *testing.T) {
	dialer := &fakeDialer{block: make(chan struct{})}
	m := NewManager(testOptions(), &fakeAuth{}, dialer, bus.New(), nil)

	m.Start()
	require.Eventually(t, func() bool { return dialer.count() == 1 }, time.Second, time.Millisecond)

	m.Stop()
	close(dialer.block)

	require.Eventually(t, func() bool {
		s := dialer.last()
		return s != nil && s.closed()
	}, time.Second, time.Millisecond)
	assert.False(t, m.IsConnected())
}

// onLogLine runs fn synchronously when a log message starting with prefix
// is emitted
type onLogLine struct {
	prefix string
	fn     func()
}

func (h *onLogLine) Levels() []logrus.Level { return logrus.AllLevels }

func (h *onLogLine) Fire(e *logrus.Entry) error {
	if strings.HasPrefix(e.Message, h.prefix) {
		h.fn()
	}
	return nil
}

func TestManagerStopBeforeConnectAnnounced(t *testing.T) {
	b := bus.New()
	events, cancel := b.Channel(16, bus.ConnectionChanged)
	defer cancel()

	m := NewManager(testOptions(), &fakeAuth{}, &fakeDialer{}, b, appContext.New("100"))
	var hooked atomic.Int32
	m.OnConnected(func(ctx context.Context) { hooked.Add(1) })

	// Stop lands after the session is stored but before it is announced
	var once sync.Once
	log := logger.GetLogger()
	level := log.GetLevel()
	log.SetLevel(logrus.InfoLevel)
	old := log.ReplaceHooks(make(logrus.LevelHooks))
	log.AddHook(&onLogLine{prefix: "Connected (", fn: func() { once.Do(m.Stop) }})
	defer func() {
		log.ReplaceHooks(old)
		log.SetLevel(level)
	}()

	m.Start()

	var seen []interface{}
	require.Eventually(t, func() bool {
		select {
		case n := <-events:
			seen = append(seen, n.Payload)
		default:
		}
		return len(seen) > 0
	}, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	for len(events) > 0 {
		seen = append(seen, (<-events).Payload)
	}

	assert.Equal(t, []interface{}{false}, seen)
	assert.Zero(t, hooked.Load())
	assert.False(t, m.IsConnected())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerRenewsTokenWithoutReconnecting(t *testing.T) {
	opts := testOptions()
	opts.RenewalFraction = 0.5
	auth := &fakeAuth{lifetime: 40 * time.Millisecond}
	dialer := &fakeDialer{}
	m := NewManager(opts, auth, dialer, bus.New(), nil)

	m.Start()
	defer m.Stop()
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return auth.logins.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.True(t, m.IsConnected())
}

func TestManagerRenewalFailureDropsSession(t *testing.T) {
	opts := testOptions()
	opts.RenewalFraction = 0.5
	auth := &fakeAuth{lifetime: 40 * time.Millisecond}
	dialer := &fakeDialer{}
	m := NewManager(opts, auth, dialer, bus.New(), nil)

	m.Start()
	defer m.Stop()
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	first := dialer.last()

	auth.failAll.Store(true)
	require.Eventually(t, first.closed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.Less(t, m.RemainingBudget(), 10)
}

func TestNewTokenReadsJWTExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	tok := NewToken(signed, 0)
	assert.True(t, tok.ExpiresAt.Equal(exp))
	assert.InDelta(t, float64(30*time.Minute), float64(tok.Lifetime(time.Hour)), float64(2*time.Second))

	explicit := NewToken(signed, time.Minute)
	assert.InDelta(t, float64(time.Minute), float64(explicit.Lifetime(time.Hour)), float64(time.Second))

	opaque := NewToken("not-a-jwt", 0)
	assert.True(t, opaque.ExpiresAt.IsZero())
	assert.Equal(t, time.Hour, opaque.Lifetime(time.Hour))
}
