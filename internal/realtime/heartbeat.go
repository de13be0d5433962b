package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Monitor drives the application-level ping/pong liveness probe on one open
// connection. At most one ping is outstanding at any time; a pong that
// arrives within the timeout window measures latency, a missed pong invokes
// onTimeout exactly once so the connection can be torn down.
type Monitor struct {
	interval  time.Duration
	timeout   time.Duration
	send      func(pingID string, sentAt time.Time) error
	onTimeout func()
	logger    *zap.Logger

	mu            sync.Mutex
	running       bool
	pingID        string
	sentAt        time.Time
	intervalTimer *time.Timer
	timeoutTimer  *time.Timer
}

// NewMonitor creates a monitor. send transmits a ping frame; onTimeout is
// called when a pong does not arrive in time.
func NewMonitor(interval, timeout time.Duration, send func(string, time.Time) error, onTimeout func(), logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		interval:  interval,
		timeout:   timeout,
		send:      send,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

// Start arms the first ping. No-op if already running.
func (h *Monitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.intervalTimer = time.AfterFunc(h.interval, h.fire)
}

// Stop cancels all timers and forgets any outstanding ping.
func (h *Monitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	h.pingID = ""
	if h.intervalTimer != nil {
		h.intervalTimer.Stop()
		h.intervalTimer = nil
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}

// HandlePong resolves the outstanding ping when pingID matches (an empty id
// from the server matches any outstanding ping). Returns the measured
// round-trip latency and whether the pong was accepted.
func (h *Monitor) HandlePong(pingID string) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.pingID == "" {
		return 0, false
	}
	if pingID != "" && pingID != h.pingID {
		return 0, false
	}
	latency := time.Since(h.sentAt)
	h.pingID = ""
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
	h.intervalTimer = time.AfterFunc(h.interval, h.fire)
	return latency, true
}

func (h *Monitor) fire() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.pingID = uuid.NewString()
	h.sentAt = time.Now()
	pingID, sentAt := h.pingID, h.sentAt
	h.timeoutTimer = time.AfterFunc(h.timeout, h.expire)
	h.mu.Unlock()

	if err := h.send(pingID, sentAt); err != nil {
		// The write failed, so the pong cannot arrive; the timeout timer
		// already armed above will tear the connection down.
		h.logger.Warn("heartbeat ping write failed", zap.Error(err))
	}
}

func (h *Monitor) expire() {
	h.mu.Lock()
	if !h.running || h.pingID == "" {
		h.mu.Unlock()
		return
	}
	h.pingID = ""
	h.mu.Unlock()
	h.onTimeout()
}
