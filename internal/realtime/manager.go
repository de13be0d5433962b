// Package realtime owns the single logical connection to the chat server:
// handshake, socket lifecycle, heartbeat, reconnection with exponential
// backoff, and the offline send buffer. The manager is the only producer of
// connection.* and inbound-frame events on the bus; everything else
// subscribes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssanchezg/charla/internal/bus"
	"github.com/ssanchezg/charla/internal/wire"
)

// Event kinds published by the manager.
const (
	EventRegistered   = "connection.registered"
	EventOpen         = "connection.open"
	EventClosed       = "connection.closed"
	EventError        = "connection.error"
	EventReconnecting = "connection.reconnecting"
)

var (
	// ErrNoCredential means no bearer token is available; the caller must
	// supply one and re-invoke Connect.
	ErrNoCredential = errors.New("no credential available")
	// ErrNotConnected means the socket is not open and the frame was not
	// buffered.
	ErrNotConnected = errors.New("connection is not open")
)

// Registrar performs the out-of-band handshake that must precede the socket
// open. The returned payload is forwarded verbatim on the bus.
type Registrar interface {
	Register(ctx context.Context, token string) (json.RawMessage, error)
}

// Options configures the manager. Zero durations fall back to defaults.
type Options struct {
	// BaseURL is the HTTP base of the server; the socket URL is derived
	// from it by scheme substitution.
	BaseURL string
	// Token returns the current bearer credential. It is consulted at
	// every (re)connect attempt so a rotated credential takes effect on
	// the next attempt.
	Token func() string

	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	QueueCapacity         int
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.ReconnectInitialDelay <= 0 {
		o.ReconnectInitialDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.Token == nil {
		o.Token = func() string { return "" }
	}
}

// SendResult reports the outcome of Send.
type SendResult struct {
	OK     bool
	Queued bool
	Err    error
}

// Info is a point-in-time snapshot of the connection.
type Info struct {
	Status          Status
	IsOnline        bool
	LastError       string
	QueueLength     int
	Latency         time.Duration
	LastHeartbeatAt time.Time
	Registration    json.RawMessage
}

// ClosedPayload accompanies connection.closed events.
type ClosedPayload struct {
	Code   int
	Reason string
	Clean  bool
}

// ErrorPayload accompanies connection.error events.
type ErrorPayload struct {
	Message string
}

// ReconnectingPayload accompanies connection.reconnecting events.
type ReconnectingPayload struct {
	Attempt int
	Delay   time.Duration
}

// Manager owns at most one live connection at a time. All asynchronous
// completions (handshake responses, socket callbacks, timers) are fenced by
// a monotonically increasing attempt id: a callback belonging to a
// superseded attempt is a no-op, which substitutes for cancellation.
type Manager struct {
	opts      Options
	dialer    Dialer
	registrar Registrar
	bus       *bus.Bus
	queue     *Queue
	logger    *zap.Logger

	mu              sync.Mutex
	status          Status
	attempt         uint64 // fencing id, bumped on every new attempt and on disconnect
	retries         int    // backoff counter, reset on open and on manual connect
	manual          bool   // set by Disconnect, suppresses reconnection
	lastError       string
	latency         time.Duration
	lastHeartbeatAt time.Time
	registration    json.RawMessage
	transport       Transport
	monitor         *Monitor
	reconnectTimer  *time.Timer
	pendingClose    *ClosedPayload // set when we force-close locally (heartbeat timeout)
}

// NewManager creates a manager. It does not connect; call EnsureConnection
// or Connect.
func NewManager(opts Options, dialer Dialer, registrar Registrar, b *bus.Bus, logger *zap.Logger) *Manager {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:      opts,
		dialer:    dialer,
		registrar: registrar,
		bus:       b,
		queue:     NewQueue(opts.QueueCapacity),
		logger:    logger,
		status:    StatusIdle,
	}
}

// Snapshot returns the current connection info.
func (m *Manager) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

// QueueLen returns the number of buffered outbound frames.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// EnsureConnection starts a connect sequence unless one is already live,
// and returns the current snapshot. It is treated as automatic: the
// reconnect attempt counter is preserved.
func (m *Manager) EnsureConnection() Info {
	return m.startConnect(false)
}

// Connect is the manual variant of EnsureConnection: it resets the backoff
// counter, clears the manual-disconnect flag, and supersedes any in-flight
// attempt with a fresh one.
func (m *Manager) Connect() Info {
	return m.startConnect(true)
}

// Disconnect tears the connection down, cancels every pending timer, drops
// the offline queue, and guarantees no automatic reconnection follows. The
// caller may invoke Connect again immediately.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.attempt++ // fence out every in-flight callback of the old attempt
	m.stopTimersLocked()
	t := m.transport
	m.transport = nil
	m.queue.Clear()
	m.registration = nil
	m.latency = 0
	m.lastHeartbeatAt = time.Time{}
	m.lastError = ""
	m.pendingClose = nil
	wasIdle := m.status == StatusIdle
	m.setStatusLocked(StatusIdle)
	m.mu.Unlock()

	if t != nil {
		_ = t.Close(CloseNormal, "client disconnect")
	}
	if !wasIdle {
		m.bus.Publish(bus.Event{
			Kind:       EventClosed,
			Payload:    ClosedPayload{Code: CloseNormal, Reason: "client disconnect", Clean: true},
			ReceivedAt: time.Now(),
		})
	}
}

// Send serializes payload and transmits it if the socket is open. While
// offline the frame is buffered when enqueue is true; frames that are
// meaningless once stale (leave notifications) pass enqueue=false and get
// the failure reported back instead. Serialization failures are always
// local and never buffered.
func (m *Manager) Send(payload any, enqueue bool) SendResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Err: fmt.Errorf("encode payload: %w", err)}
	}

	m.mu.Lock()
	t := m.transport
	open := m.status == StatusOpen
	m.mu.Unlock()

	if open && t != nil {
		if werr := t.WriteMessage(data); werr != nil {
			return SendResult{Err: fmt.Errorf("write frame: %w", werr)}
		}
		return SendResult{OK: true}
	}
	if enqueue {
		if m.queue.Enqueue(data) {
			m.logger.Warn("send queue full, dropped oldest entry")
		}
		return SendResult{Queued: true}
	}
	return SendResult{Err: ErrNotConnected}
}

// JoinChat announces the newly active chat to the server. Buffered while
// offline so the join survives a reconnect.
func (m *Manager) JoinChat(chatID string) SendResult {
	return m.Send(map[string]any{"type": "join", "chat_id": chatID}, true)
}

// LeaveChat is fire-and-forget: a stale leave has no value after a
// reconnect, so it is never buffered.
func (m *Manager) LeaveChat(chatID string) SendResult {
	return m.Send(map[string]any{"type": "leave", "chat_id": chatID}, false)
}

func (m *Manager) startConnect(manualCall bool) Info {
	m.mu.Lock()
	if manualCall {
		m.retries = 0
	}
	m.manual = false

	switch {
	case m.status == StatusOpen:
		info := m.infoLocked()
		m.mu.Unlock()
		return info
	case (m.status == StatusRegistering || m.status == StatusConnecting) && !manualCall:
		// A connect sequence is already in flight; return its handle.
		info := m.infoLocked()
		m.mu.Unlock()
		return info
	}

	m.stopTimersLocked()
	if t := m.transport; t != nil {
		// A manual connect superseding an in-flight attempt: discard the
		// old socket, its callbacks are fenced below.
		m.transport = nil
		go func() { _ = t.Close(CloseNormal, "superseded") }()
	}

	token := m.opts.Token()
	if token == "" {
		m.lastError = ErrNoCredential.Error()
		m.setStatusLocked(StatusIdle)
		info := m.infoLocked()
		m.mu.Unlock()
		return info
	}

	m.attempt++
	id := m.attempt
	m.setStatusLocked(StatusRegistering)
	info := m.infoLocked()
	m.mu.Unlock()

	go m.runAttempt(id, token)
	return info
}

// runAttempt executes one full handshake+dial sequence. Every step
// re-checks the fence before mutating state.
func (m *Manager) runAttempt(id uint64, token string) {
	registration, err := m.registrar.Register(context.Background(), token)

	m.mu.Lock()
	if id != m.attempt {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.lastError = fmt.Sprintf("handshake: %v", err)
		m.logger.Warn("handshake failed", zap.Error(err))
		evts := []bus.Event{
			{Kind: EventError, Payload: ErrorPayload{Message: m.lastError}, ReceivedAt: time.Now()},
			m.scheduleReconnectLocked(),
		}
		m.mu.Unlock()
		m.publish(evts)
		return
	}
	m.registration = registration
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: EventRegistered, Payload: registration, ReceivedAt: time.Now()})

	endpoint, err := wsEndpoint(m.opts.BaseURL, token)
	if err != nil {
		// A bad base URL cannot be fixed by retrying.
		m.mu.Lock()
		if id != m.attempt {
			m.mu.Unlock()
			return
		}
		m.lastError = err.Error()
		m.setStatusLocked(StatusError)
		m.mu.Unlock()
		m.bus.Publish(bus.Event{Kind: EventError, Payload: ErrorPayload{Message: err.Error()}, ReceivedAt: time.Now()})
		return
	}

	t, err := m.dialer.Dial(context.Background(), endpoint)

	m.mu.Lock()
	if id != m.attempt {
		m.mu.Unlock()
		if err == nil {
			_ = t.Close(CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		m.lastError = fmt.Sprintf("dial: %v", err)
		m.logger.Warn("socket open failed", zap.Error(err))
		evts := []bus.Event{
			{Kind: EventError, Payload: ErrorPayload{Message: m.lastError}, ReceivedAt: time.Now()},
			m.scheduleReconnectLocked(),
		}
		m.mu.Unlock()
		m.publish(evts)
		return
	}

	m.transport = t
	m.setStatusLocked(StatusOpen)
	m.retries = 0
	m.lastError = ""
	m.pendingClose = nil
	m.monitor = NewMonitor(
		m.opts.HeartbeatInterval,
		m.opts.HeartbeatTimeout,
		func(pingID string, sentAt time.Time) error { return writePing(t, pingID, sentAt) },
		func() { m.heartbeatExpired(id) },
		m.logger,
	)
	m.monitor.Start()
	m.mu.Unlock()

	m.logger.Info("connection open")
	m.bus.Publish(bus.Event{Kind: EventOpen, ReceivedAt: time.Now()})

	go m.readLoop(id, t)
	go m.flushQueue(id, t)
}

func (m *Manager) readLoop(id uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.handleClosed(id, err)
			return
		}
		m.handleFrame(id, t, data)
	}
}

func (m *Manager) handleFrame(id uint64, t Transport, data []byte) {
	m.mu.Lock()
	stale := id != m.attempt
	monitor := m.monitor
	m.mu.Unlock()
	if stale {
		return
	}

	frame, err := wire.ParseFrame(data)
	if err != nil {
		m.logger.Warn("discarding malformed frame", zap.Error(err))
		return
	}

	evt := bus.Event{Kind: frame.Type, Payload: frame.Fields, Raw: data, ReceivedAt: time.Now()}

	switch {
	case isControl(frame.Type, "ping"):
		// Server-side probe: answer immediately, echoing any ping id.
		// Control frames stay observable but are never dispatched.
		m.bus.Record(evt)
		pong := map[string]any{"type": "pong"}
		if pingID, ok := frame.Fields["id"]; ok {
			pong["id"] = pingID
		}
		reply, _ := json.Marshal(pong)
		if werr := t.WriteMessage(reply); werr != nil {
			m.logger.Warn("pong write failed", zap.Error(werr))
		}
	case isControl(frame.Type, "pong"):
		m.bus.Record(evt)
		pingID, _ := frame.Fields["id"].(string)
		if monitor != nil {
			if latency, ok := monitor.HandlePong(pingID); ok {
				m.mu.Lock()
				m.latency = latency
				m.lastHeartbeatAt = time.Now()
				m.mu.Unlock()
			}
		}
	default:
		if evt.Kind == "" {
			evt.Kind = "unknown"
		}
		m.bus.Publish(evt)
	}
}

func (m *Manager) handleClosed(id uint64, readErr error) {
	m.mu.Lock()
	if id != m.attempt {
		m.mu.Unlock()
		return
	}
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
	m.transport = nil

	code, reason, clean := closeInfo(readErr)
	if m.pendingClose != nil {
		code, reason, clean = m.pendingClose.Code, m.pendingClose.Reason, false
		m.pendingClose = nil
	}
	if !clean {
		m.lastError = reason
	}

	evts := []bus.Event{{
		Kind:       EventClosed,
		Payload:    ClosedPayload{Code: code, Reason: reason, Clean: clean},
		ReceivedAt: time.Now(),
	}}
	if m.manual {
		m.setStatusLocked(StatusIdle)
	} else {
		m.setStatusLocked(StatusClosed)
		evts = append(evts, m.scheduleReconnectLocked())
	}
	m.mu.Unlock()

	m.logger.Warn("connection closed", zap.Int("code", code), zap.String("reason", reason), zap.Bool("clean", clean))
	m.publish(evts)
}

// heartbeatExpired force-closes the transport after a missed pong. The read
// loop observes the close and drives the normal closed→reconnecting path
// with the heartbeat code attached.
func (m *Manager) heartbeatExpired(id uint64) {
	m.mu.Lock()
	if id != m.attempt || m.transport == nil {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.lastError = "heartbeat timeout"
	m.pendingClose = &ClosedPayload{Code: CloseHeartbeatTimeout, Reason: "heartbeat timeout"}
	m.mu.Unlock()

	m.logger.Warn("heartbeat timeout, forcing reconnect")
	m.bus.Publish(bus.Event{Kind: EventError, Payload: ErrorPayload{Message: "heartbeat timeout"}, ReceivedAt: time.Now()})
	_ = t.Close(CloseHeartbeatTimeout, "heartbeat timeout")
}

// scheduleReconnectLocked arms the single retry timer and returns the
// reconnecting event for the caller to publish after unlocking.
func (m *Manager) scheduleReconnectLocked() bus.Event {
	m.retries++
	delay := backoffDelay(m.opts.ReconnectInitialDelay, m.opts.ReconnectMaxDelay, m.retries)
	m.setStatusLocked(StatusReconnecting)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, m.retryTimerFired)
	return bus.Event{
		Kind:       EventReconnecting,
		Payload:    ReconnectingPayload{Attempt: m.retries, Delay: delay},
		ReceivedAt: time.Now(),
	}
}

func (m *Manager) retryTimerFired() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.manual || m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	token := m.opts.Token()
	if token == "" {
		m.lastError = ErrNoCredential.Error()
		m.setStatusLocked(StatusIdle)
		m.mu.Unlock()
		return
	}
	m.attempt++
	id := m.attempt
	m.setStatusLocked(StatusRegistering)
	m.mu.Unlock()

	go m.runAttempt(id, token)
}

func (m *Manager) flushQueue(id uint64, t Transport) {
	sent, err := m.queue.Flush(func(data []byte) error {
		m.mu.Lock()
		stale := id != m.attempt
		m.mu.Unlock()
		if stale {
			return ErrNotConnected
		}
		return t.WriteMessage(data)
	})
	if err != nil {
		m.logger.Warn("queue flush interrupted", zap.Int("sent", sent), zap.Error(err))
		return
	}
	if sent > 0 {
		m.logger.Info("flushed queued frames", zap.Int("count", sent))
	}
}

func (m *Manager) setStatusLocked(to Status) {
	if m.status == to {
		return
	}
	if !transitionAllowed(m.status, to) {
		m.logger.Warn("unexpected status transition",
			zap.String("from", string(m.status)),
			zap.String("to", string(to)))
	}
	m.status = to
}

func (m *Manager) stopTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
}

func (m *Manager) infoLocked() Info {
	return Info{
		Status:          m.status,
		IsOnline:        m.status == StatusOpen,
		LastError:       m.lastError,
		QueueLength:     m.queue.Len(),
		Latency:         m.latency,
		LastHeartbeatAt: m.lastHeartbeatAt,
		Registration:    m.registration,
	}
}

func (m *Manager) publish(evts []bus.Event) {
	for _, evt := range evts {
		m.bus.Publish(evt)
	}
}

func isControl(frameType, kind string) bool {
	return frameType == kind || strings.HasSuffix(frameType, "."+kind)
}

func writePing(t Transport, pingID string, sentAt time.Time) error {
	data, err := json.Marshal(map[string]any{
		"type": "ping",
		"id":   pingID,
		"ts":   sentAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return t.WriteMessage(data)
}

// backoffDelay computes min(maxDelay, initialDelay × 2^(attempt-1)).
func backoffDelay(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
