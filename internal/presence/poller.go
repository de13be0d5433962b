// Package presence keeps the status cache fresh: a fixed-interval batched
// fetch for every tracked user id, pausable while the client is in the
// background, with an immediate re-poll on resume and on connection open.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssanchezg/charla/internal/bus"
	"github.com/ssanchezg/charla/internal/realtime"
	"github.com/ssanchezg/charla/internal/rest"
	"github.com/ssanchezg/charla/internal/state"
)

// Fetcher is the batched statuses collaborator.
type Fetcher interface {
	Statuses(ctx context.Context, ids []int64) ([]rest.UserStatus, error)
}

// Poller refreshes presence for every tracked user id on a fixed interval.
type Poller struct {
	fetcher  Fetcher
	store    *state.Store
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	paused  bool
	running bool
	poke    chan struct{}
	stop    chan struct{}
	unsub   func()
}

// NewPoller creates a poller. Call Start to begin.
func NewPoller(fetcher Fetcher, store *state.Store, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetcher:  fetcher,
		store:    store,
		bus:      b,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the poll loop and re-polls immediately whenever the
// realtime connection (re)opens. No-op if already running.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.poke = make(chan struct{}, 1)
	p.stop = make(chan struct{})
	p.mu.Unlock()

	if p.bus != nil {
		p.unsub = p.bus.Subscribe(realtime.EventOpen, func(bus.Event) { p.Poke() })
	}

	go p.loop()
}

// Stop halts the poll loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
}

// Pause suspends polling without stopping the loop. Ticks are skipped
// while paused.
func (p *Poller) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume re-enables polling and triggers an immediate refresh, so a
// client coming back to the foreground sees current statuses right away.
func (p *Poller) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.Poke()
}

// Poke requests an immediate poll. Coalesces when one is already pending.
func (p *Poller) Poke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

// PollIDs fetches statuses for the given ids right away, bypassing the
// interval. Used after new usernames get tracked.
func (p *Poller) PollIDs(ctx context.Context, ids []int64) {
	p.fetch(ctx, ids)
}

func (p *Poller) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			paused := p.paused
			p.mu.Unlock()
			if paused {
				continue
			}
			p.pollOnce()
		case <-p.poke:
			p.pollOnce()
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) pollOnce() {
	ids := p.store.TrackedIDs()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.fetch(ctx, ids)
}

func (p *Poller) fetch(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	statuses, err := p.fetcher.Statuses(ctx, ids)
	if err != nil {
		p.logger.Warn("presence fetch failed", zap.Int("ids", len(ids)), zap.Error(err))
		return
	}
	now := time.Now()
	for _, st := range statuses {
		p.store.SetPresence(st.UserID, toPresence(st, now))
	}
}

func toPresence(st rest.UserStatus, now time.Time) state.Presence {
	p := state.Presence{State: state.PresenceUnknown, ConnectionCount: st.ConnectionCount, ReceivedAt: now}
	switch st.Status {
	case "connected", "online":
		p.State = state.PresenceConnected
	case "disconnected", "offline":
		p.State = state.PresenceDisconnected
	}
	if st.LastSeen > 0 {
		ms := st.LastSeen
		if ms < 1_000_000_000_000 {
			ms *= 1000
		}
		p.LastSeen = time.UnixMilli(ms)
	}
	return p
}
