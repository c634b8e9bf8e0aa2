package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"sync"
	"time"
)

// SessionState is the lifecycle state of the managed transport.
type SessionState string

// Session states.
const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateWaitingForQR   SessionState = "waiting_for_qr"
	StateConnected      SessionState = "connected"
	StateReconnecting   SessionState = "reconnecting"
	StateSessionExpired SessionState = "session_expired"
)

// Session manager errors.
var (
	// ErrInvalidState rejects Connect outside disconnected or
	// session_expired.
	ErrInvalidState = errors.New("connect not allowed in current state")

	// ErrNoActiveSocket rejects pairing-code requests before a
	// transport exists.
	ErrNoActiveSocket = errors.New("no active socket")
)

// Session event names.
const (
	SessionEventQR             = "qr"
	SessionEventAuthenticated  = "authenticated"
	SessionEventConnected      = "connected"
	SessionEventDisconnected   = "disconnected"
	SessionEventReconnecting   = "reconnecting"
	SessionEventSessionExpired = "session-expired"
	SessionEventError          = "error"
)

// SessionEvent is the tagged payload delivered to session listeners.
type SessionEvent struct {
	Name string

	QR          string // qr
	Attempt     int    // qr, reconnecting
	IsNewLogin  bool   // authenticated
	JID         string // connected
	Reason      string // session-expired, disconnected
	MaxAttempts int    // reconnecting
	Delay       time.Duration
	Err         error // error
}

// SessionListener receives session events synchronously.
type SessionListener func(SessionEvent)

// SessionConfig configures the session manager.
type SessionConfig struct {
	// Dial constructs a transport per connection attempt. Required.
	Dial Dialer
	// Store persists credentials. Required.
	Store AuthStore

	// MaxReconnectAttempts caps transient-disconnect retries; 0
	// disables reconnection entirely.
	MaxReconnectAttempts int
	// BaseReconnectDelay seeds the exponential backoff. Default 2s.
	BaseReconnectDelay time.Duration
	// MaxReconnectDelay clamps the backoff. Default 60s.
	MaxReconnectDelay time.Duration

	// PrintQRInTerminal renders each QR code to QRWriter (default
	// stdout).
	PrintQRInTerminal bool
	QRWriter          io.Writer

	// Rand yields uniform [0,1) values for backoff jitter. Default
	// math/rand/v2.
	Rand func() float64
	// Schedule runs fn after d and returns a cancel func. Default
	// time.AfterFunc. Injectable for deterministic tests.
	Schedule func(d time.Duration, fn func()) (cancel func())

	Logger *slog.Logger
}

// SessionManager drives the transport lifecycle: QR pairing, open,
// classified disconnects, jittered exponential reconnect backoff, and
// credential persistence. At most one transport is live at a time;
// all transitions and their side effects are sequential under one
// mutex.
type SessionManager struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu               sync.Mutex
	state            SessionState
	transport        Transport
	jid              string
	qrAttempt        int
	reconnectAttempt int
	intentional      bool
	cancelReconnect  func()

	nextSub   int
	listeners map[int]SessionListener

	// traffic hooks forwarded into each dialed transport
	onMessage  func(*WebMessage)
	onReceipt  func(*ReceiptUpdate)
	onPresence func(*PresenceUpdate)
}

// NewSessionManager creates a manager in the disconnected state.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	if cfg.BaseReconnectDelay <= 0 {
		cfg.BaseReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	if cfg.QRWriter == nil {
		cfg.QRWriter = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		cfg:       cfg,
		logger:    cfg.Logger,
		state:     StateDisconnected,
		listeners: make(map[int]SessionListener),
	}
}

// SetTrafficHooks registers the message/receipt/presence callbacks
// forwarded into each dialed transport. Must be called before Connect.
func (m *SessionManager) SetTrafficHooks(onMessage func(*WebMessage), onReceipt func(*ReceiptUpdate), onPresence func(*PresenceUpdate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = onMessage
	m.onReceipt = onReceipt
	m.onPresence = onPresence
}

// State returns the current lifecycle state.
func (m *SessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// JID returns the authenticated identity, empty until connected.
func (m *SessionManager) JID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jid
}

// Transport returns the live transport, or nil.
func (m *SessionManager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.transport
}

// OnEvent registers a listener and returns its unsubscribe func.
func (m *SessionManager) OnEvent(fn SessionListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// emit dispatches to a snapshot of listeners. Listener panics are
// contained and logged; background failures never escape to the
// transport goroutine.
func (m *SessionManager) emit(evt SessionEvent) {
	m.mu.Lock()
	snapshot := make([]SessionListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		snapshot = append(snapshot, fn)
	}
	m.mu.Unlock()

	for _, fn := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session listener panic", "event", evt.Name, "panic", r)
				}
			}()
			fn(evt)
		}()
	}
}

// Connect dials a transport and begins the handshake. Allowed from
// disconnected and session_expired only.
func (m *SessionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateSessionExpired {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, m.state)
	}
	m.state = StateConnecting
	m.intentional = false
	m.qrAttempt = 0
	m.reconnectAttempt = 0
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}
	return nil
}

// dial loads auth state, constructs a transport with the manager's
// hooks, and opens it.
func (m *SessionManager) dial(ctx context.Context) error {
	state, err := m.cfg.Store.LoadState()
	if err != nil {
		return fmt.Errorf("load auth state: %w", err)
	}

	m.mu.Lock()
	onMessage, onReceipt, onPresence := m.onMessage, m.onReceipt, m.onPresence
	m.mu.Unlock()

	hooks := Hooks{
		QR:          m.handleQR,
		Open:        m.handleOpen,
		Closed:      m.handleClosed,
		CredsUpdate: m.handleCredsUpdate,
		Message:     onMessage,
		Receipt:     onReceipt,
		Presence:    onPresence,
	}

	transport, err := m.cfg.Dial(ctx, state, hooks)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}

	m.mu.Lock()
	m.transport = transport
	m.mu.Unlock()

	if err := transport.Open(ctx); err != nil {
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
		return fmt.Errorf("open transport: %w", err)
	}
	return nil
}

// Disconnect releases the transport and cancels all pending reconnect
// work. Never schedules a reconnect. Idempotent.
func (m *SessionManager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.intentional = true
	m.state = StateDisconnected
	m.qrAttempt = 0
	m.reconnectAttempt = 0
	m.jid = ""
	transport := m.transport
	m.transport = nil
	cancel := m.cancelReconnect
	m.cancelReconnect = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if transport != nil {
		err = transport.Close()
	}
	m.emit(SessionEvent{Name: SessionEventDisconnected, Reason: "intentional"})
	return err
}

// PairingCode delegates phone-number pairing to the live transport.
func (m *SessionManager) PairingCode(ctx context.Context, phone string) (string, error) {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return "", ErrNoActiveSocket
	}
	return transport.PairingCode(ctx, phone)
}

func (m *SessionManager) handleQR(code string) {
	m.mu.Lock()
	m.qrAttempt++
	attempt := m.qrAttempt
	if m.state == StateConnecting || m.state == StateReconnecting {
		m.state = StateWaitingForQR
	}
	m.mu.Unlock()

	m.logger.Info("pairing QR received", "attempt", attempt)
	if m.cfg.PrintQRInTerminal {
		if err := RenderQR(m.cfg.QRWriter, code); err != nil {
			m.logger.Warn("terminal QR render failed", "error", err)
		}
	}
	m.emit(SessionEvent{Name: SessionEventQR, QR: code, Attempt: attempt})
}

func (m *SessionManager) handleOpen(jid string, isNewLogin bool) {
	m.mu.Lock()
	m.state = StateConnected
	m.jid = jid
	m.qrAttempt = 0
	m.reconnectAttempt = 0
	m.mu.Unlock()

	m.logger.Info("session open", "jid", jid, "new_login", isNewLogin)
	m.emit(SessionEvent{Name: SessionEventAuthenticated, IsNewLogin: isNewLogin})
	m.emit(SessionEvent{Name: SessionEventConnected, JID: jid})
}

func (m *SessionManager) handleClosed(code int, message string) {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.mu.Unlock()

	c := Classify(code, message)
	m.logger.Warn("session closed",
		"code", code,
		"category", c.Category,
		"reconnect", c.ShouldReconnect,
		"message", message,
	)

	if c.ShouldClearSession {
		go func() {
			if err := m.cfg.Store.ClearState(); err != nil {
				m.logger.Error("clear auth state failed", "error", err)
				m.emit(SessionEvent{Name: SessionEventError, Err: err})
			}
		}()
	}

	if !c.ShouldReconnect {
		m.mu.Lock()
		m.state = StateSessionExpired
		m.mu.Unlock()
		m.emit(SessionEvent{Name: SessionEventSessionExpired, Reason: string(c.Category)})
		m.emit(SessionEvent{Name: SessionEventDisconnected, Reason: string(c.Category)})
		return
	}

	m.scheduleReconnect(string(c.Category))
}

func (m *SessionManager) scheduleReconnect(reason string) {
	m.mu.Lock()
	m.reconnectAttempt++
	attempt := m.reconnectAttempt
	max := m.cfg.MaxReconnectAttempts

	if max == 0 || attempt > max {
		m.state = StateSessionExpired
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", "attempt", attempt, "max", max)
		m.emit(SessionEvent{Name: SessionEventSessionExpired, Reason: "reconnect_exhausted"})
		m.emit(SessionEvent{Name: SessionEventDisconnected, Reason: reason})
		return
	}

	m.state = StateReconnecting
	delay := m.backoffDelay(attempt)
	m.cancelReconnect = m.cfg.Schedule(delay, func() { m.reconnect() })
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"max_attempts", max,
		"delay", delay,
	)
	m.emit(SessionEvent{
		Name:        SessionEventReconnecting,
		Attempt:     attempt,
		MaxAttempts: max,
		Delay:       delay,
	})
	m.emit(SessionEvent{Name: SessionEventDisconnected, Reason: reason})
}

func (m *SessionManager) reconnect() {
	m.mu.Lock()
	if m.intentional || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.cancelReconnect = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := m.dial(ctx); err != nil {
		m.logger.Error("reconnect dial failed", "error", err)
		m.emit(SessionEvent{Name: SessionEventError, Err: err})
		m.scheduleReconnect("dial_failed")
	}
}

func (m *SessionManager) handleCredsUpdate(creds []byte) {
	go func() {
		if err := m.cfg.Store.SaveCreds(creds); err != nil {
			m.logger.Error("save credentials failed", "error", err)
			m.emit(SessionEvent{Name: SessionEventError, Err: err})
		}
	}()
}

// backoffDelay computes the jittered exponential delay for a given
// attempt: base · 2^(attempt−1) · (1 ± 25%), clamped to [0, max].
func (m *SessionManager) backoffDelay(attempt int) time.Duration {
	jitter := 1 + (m.cfg.Rand()*0.5 - 0.25)
	d := float64(m.cfg.BaseReconnectDelay) * math.Pow(2, float64(attempt-1)) * jitter
	if d < 0 {
		d = 0
	}
	if limit := float64(m.cfg.MaxReconnectDelay); d > limit {
		d = limit
	}
	return time.Duration(d)
}
