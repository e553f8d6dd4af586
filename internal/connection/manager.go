// Package connection owns the session lifecycle to the intercom backend:
// authentication retries, channel open, reconnect budget and token renewal.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextranet/intercom/c-plane/config"
	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
)

const sender = "ConnectionManager"

// State of the connection manager
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateFailed         State = "failed"
)

// Authenticator exchanges the configured credentials for an access token
type Authenticator interface {
	Login(ctx context.Context) (*Token, error)
}

// Session is one open channel to the backend
type Session interface {
	Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*wamp.Result, error)
	Subscribe(ctx context.Context, topic string, handler wamp.EventHandler) (uint64, error)
	Unsubscribe(ctx context.Context, subID uint64) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionDialer opens a session authenticated with ticket
type SessionDialer interface {
	Dial(ctx context.Context, ticket string) (Session, error)
}

// WampDialer opens WAMP sessions with a fixed dial configuration
type WampDialer struct {
	Config wamp.DialConfig
}

// Dial implements SessionDialer
func (d *WampDialer) Dial(ctx context.Context, ticket string) (Session, error) {
	cfg := d.Config
	cfg.Ticket = ticket
	c, err := wamp.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options tune the manager timers and budgets
type Options struct {
	AuthRetryInterval      time.Duration
	SessionTimeout         time.Duration
	RenewalFraction        float64
	InitialReconnectBudget int
	ReconnectBudget        int
	ReconnectDelay         time.Duration
	RPCTimeout             time.Duration
}

// OptionsFromConfig maps the intercom configuration onto manager options
func OptionsFromConfig(c *config.Intercom) Options {
	return Options{
		AuthRetryInterval:      c.AuthRetryInterval,
		SessionTimeout:         c.SessionTimeout,
		RenewalFraction:        c.RenewalFraction,
		InitialReconnectBudget: c.InitialReconnectBudget,
		ReconnectBudget:        c.ReconnectBudget,
		RPCTimeout:             c.RPCTimeout,
	}
}

func (o *Options) applyDefaults() {
	if o.AuthRetryInterval <= 0 {
		o.AuthRetryInterval = 10 * time.Second
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = time.Hour
	}
	if o.RenewalFraction <= 0 || o.RenewalFraction >= 1 {
		o.RenewalFraction = 0.97
	}
	if o.InitialReconnectBudget <= 0 {
		o.InitialReconnectBudget = 50
	}
	if o.ReconnectBudget <= 0 {
		o.ReconnectBudget = 10
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 300 * time.Millisecond
	}
}

// Hook runs after a state transition, outside the manager lock. Hooks must
// not call Stop or Reconnect.
type Hook func(ctx context.Context)

// Manager maintains exactly one logical session. All transitions, manual or
// timer driven, serialize on mu; network I/O happens outside it and is
// discarded when the generation moved on in the meantime.
type Manager struct {
	opts     Options
	auth     Authenticator
	dialer   SessionDialer
	bus      *bus.Bus
	registry *appContext.Context

	mu         sync.Mutex
	state      State
	running    bool
	attempting bool
	generation uint64
	budget     int
	session    Session
	token      *Token
	lastErr    error
	runCtx     context.Context
	runCancel  context.CancelFunc
	retryTimer *time.Timer
	renewTimer *time.Timer

	// orders connection-changed notifications and hook runs; taken
	// without mu held
	notifyMu sync.Mutex

	hookMu       sync.RWMutex
	onConnect    []Hook
	onDisconnect []Hook
}

// NewManager creates a stopped manager
func NewManager(opts Options, auth Authenticator, dialer SessionDialer, b *bus.Bus, registry *appContext.Context) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:     opts,
		auth:     auth,
		dialer:   dialer,
		bus:      b,
		registry: registry,
		state:    StateDisconnected,
	}
}

// OnConnected registers a hook run after every successful connect
func (m *Manager) OnConnected(h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onConnect = append(m.onConnect, h)
}

// OnDisconnected registers a hook run after the session is lost or stopped
func (m *Manager) OnDisconnected(h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, h)
}

// Start begins authentication attempts. The first attempt runs immediately.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.generation++
	m.budget = m.opts.InitialReconnectBudget
	m.runCtx, m.runCancel = context.WithCancel(context.Background())

	logger.ConnLog.Infof("Starting connection manager (reconnect budget %d)", m.budget)
	m.scheduleLocked(0)
}

// Stop cancels timers, closes the session and stays disconnected. Timer
// callbacks already in flight observe the new generation and do nothing.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running && m.session == nil {
		m.setStateLocked(StateDisconnected, nil)
		m.mu.Unlock()
		return
	}
	m.running = false
	m.generation++
	m.stopTimersLocked()
	if m.runCancel != nil {
		m.runCancel()
	}
	sess := m.session
	m.session = nil
	wasConnected := m.state == StateConnected
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	logger.ConnLog.Info("Connection manager stopped")
	if sess != nil {
		_ = sess.Close()
	}
	if wasConnected {
		m.notifyDisconnected()
	}
}

// Reconnect drops the current session and authenticates again without
// consuming reconnect budget. A manager that gave up is revived with a
// fresh budget; a stopped one is not.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if !m.running {
		if m.state != StateFailed {
			m.mu.Unlock()
			return fmt.Errorf("reconnect: %w", models.ErrNotConnected)
		}
		m.running = true
		m.budget = m.opts.ReconnectBudget
	}
	m.generation++
	m.stopTimersLocked()
	if m.runCancel != nil {
		m.runCancel()
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	sess := m.session
	m.session = nil
	wasConnected := m.state == StateConnected
	m.setStateLocked(StateDisconnected, nil)
	m.scheduleLocked(0)
	m.mu.Unlock()

	logger.ConnLog.Info("Manual reconnect requested")
	if sess != nil {
		_ = sess.Close()
	}
	if wasConnected {
		m.notifyDisconnected()
	}
	return nil
}

// IsConnected reports whether a session is open
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.session != nil
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent authentication or session error
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RemainingBudget returns how many session breaks are tolerated before
// giving up
func (m *Manager) RemainingBudget() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// Call invokes a procedure on the current session, bounded by the RPC timeout
func (m *Manager) Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*wamp.Result, error) {
	sess, err := m.currentSession()
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", procedure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.RPCTimeout)
	defer cancel()
	return sess.Call(ctx, procedure, args, kwargs)
}

// Subscribe subscribes on the current session
func (m *Manager) Subscribe(ctx context.Context, topic string, handler wamp.EventHandler) (uint64, error) {
	sess, err := m.currentSession()
	if err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sess.Subscribe(ctx, topic, handler)
}

// Unsubscribe cancels a subscription on the current session
func (m *Manager) Unsubscribe(ctx context.Context, subID uint64) error {
	sess, err := m.currentSession()
	if err != nil {
		return err
	}
	return sess.Unsubscribe(ctx, subID)
}

func (m *Manager) currentSession() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, models.ErrNotConnected
	}
	return m.session, nil
}

// scheduleLocked arms the retry timer for the current generation
func (m *Manager) scheduleLocked(delay time.Duration) {
	gen := m.generation
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() { m.attempt(gen) })
}

func (m *Manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
}

func (m *Manager) currentLocked(gen uint64) bool {
	return m.running && gen == m.generation
}

// attempt authenticates and opens the channel
func (m *Manager) attempt(gen uint64) {
	m.mu.Lock()
	if !m.currentLocked(gen) || m.session != nil {
		m.mu.Unlock()
		return
	}
	if m.attempting {
		// a stale attempt is still unwinding
		m.scheduleLocked(m.opts.ReconnectDelay)
		m.mu.Unlock()
		return
	}
	m.attempting = true
	ctx := m.runCtx
	m.setStateLocked(StateAuthenticating, nil)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.attempting = false
		m.mu.Unlock()
	}()

	token, err := m.auth.Login(ctx)
	if err != nil {
		logger.ConnLog.Warnf("Authentication failed, retrying in %v: %v", m.opts.AuthRetryInterval, err)
		m.mu.Lock()
		if m.currentLocked(gen) {
			m.setStateLocked(StateDisconnected, err)
			m.scheduleLocked(m.opts.AuthRetryInterval)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.token = token
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	sess, err := m.dialer.Dial(ctx, token.AccessToken)
	if err != nil {
		logger.ConnLog.Warnf("Opening session failed: %v", err)
		m.mu.Lock()
		if m.currentLocked(gen) {
			m.consumeBudgetLocked(err, m.opts.AuthRetryInterval)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		_ = sess.Close()
		return
	}
	m.session = sess
	m.budget = m.opts.ReconnectBudget
	m.setStateLocked(StateConnected, nil)
	m.armRenewalLocked(gen)
	m.mu.Unlock()

	logger.ConnLog.Infof("Connected (reconnect budget reset to %d)", m.opts.ReconnectBudget)
	go m.watch(gen, sess)
	m.notifyConnected(ctx, gen, sess)
}

// watch waits for the session to end and handles the break
func (m *Manager) watch(gen uint64, sess Session) {
	<-sess.Done()

	m.mu.Lock()
	if !m.currentLocked(gen) || m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
	reason := sess.Err()
	if reason == nil {
		reason = models.ErrSessionClosed
	}
	logger.ConnLog.Warnf("Session lost: %v", reason)
	m.consumeBudgetLocked(reason, m.opts.ReconnectDelay)
	m.mu.Unlock()

	m.notifyDisconnected()
}

// consumeBudgetLocked records one connection error and either schedules
// another attempt or gives up
func (m *Manager) consumeBudgetLocked(reason error, delay time.Duration) {
	m.budget--
	if m.budget <= 0 {
		m.running = false
		m.generation++
		m.stopTimersLocked()
		if m.runCancel != nil {
			m.runCancel()
		}
		m.setStateLocked(StateFailed, reason)
		logger.ConnLog.Errorf("Reconnect budget exhausted, giving up: %v", reason)
		if m.bus != nil {
			go m.bus.Exception(sender, fmt.Errorf("%w: %v", models.ErrReconnectBudgetExhausted, reason))
		}
		return
	}
	m.setStateLocked(StateDisconnected, reason)
	logger.ConnLog.Infof("Reconnecting in %v (%d attempts left)", delay, m.budget)
	m.scheduleLocked(delay)
}

// armRenewalLocked schedules a silent re-authentication at a fraction of the
// token lifetime
func (m *Manager) armRenewalLocked(gen uint64) {
	if m.renewTimer != nil {
		m.renewTimer.Stop()
	}
	lifetime := m.token.Lifetime(m.opts.SessionTimeout)
	delay := time.Duration(float64(lifetime) * m.opts.RenewalFraction)
	logger.ConnLog.Debugf("Token renewal in %v", delay)
	m.renewTimer = time.AfterFunc(delay, func() { m.renew(gen) })
}

// renew refreshes the token while keeping the session. A failed renewal is
// a connection error: the session is closed and watch takes over.
func (m *Manager) renew(gen uint64) {
	m.mu.Lock()
	if !m.currentLocked(gen) || m.session == nil {
		m.mu.Unlock()
		return
	}
	ctx := m.runCtx
	sess := m.session
	m.mu.Unlock()

	token, err := m.auth.Login(ctx)

	m.mu.Lock()
	if !m.currentLocked(gen) || m.session != sess {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.lastErr = err
		m.mu.Unlock()
		logger.ConnLog.Errorf("Token renewal failed, dropping session: %v", err)
		_ = sess.Close()
		return
	}
	m.token = token
	m.armRenewalLocked(gen)
	m.mu.Unlock()
	logger.ConnLog.Info("Access token renewed")
}

func (m *Manager) setStateLocked(s State, err error) {
	if err != nil {
		m.lastErr = err
	}
	if m.state == s && err == nil {
		return
	}
	m.state = s

	if m.registry != nil {
		status := appContext.ConnectionStatus{
			Connected: s == StateConnected,
			State:     string(s),
		}
		if err != nil {
			status.LastError = err.Error()
		}
		m.registry.UpdateConnectionStatus(status)
	}
}

// notifyConnected announces sess unless Stop, Reconnect or a session break
// superseded it after mu was released
func (m *Manager) notifyConnected(ctx context.Context, gen uint64, sess Session) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	current := m.currentLocked(gen) && m.session == sess
	m.mu.Unlock()
	if !current {
		logger.ConnLog.Debug("Session superseded before it was announced")
		return
	}

	if m.bus != nil {
		m.bus.Publish(sender, bus.ConnectionChanged, true)
	}
	m.hookMu.RLock()
	hooks := append([]Hook(nil), m.onConnect...)
	m.hookMu.RUnlock()
	for _, h := range hooks {
		m.runHook(ctx, h)
	}
}

func (m *Manager) notifyDisconnected() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if m.bus != nil {
		m.bus.Publish(sender, bus.ConnectionChanged, false)
	}
	m.hookMu.RLock()
	hooks := append([]Hook(nil), m.onDisconnect...)
	m.hookMu.RUnlock()
	for _, h := range hooks {
		m.runHook(context.Background(), h)
	}
}

func (m *Manager) runHook(ctx context.Context, h Hook) {
	defer func() {
		if r := recover(); r != nil {
			logger.ConnLog.Errorf("Connection hook panicked: %v", r)
			if m.bus != nil {
				m.bus.Exception(sender, fmt.Errorf("connection hook panicked: %v", r))
			}
		}
	}()
	h(ctx)
}
