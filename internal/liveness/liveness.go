// Package liveness implements the master heartbeat and the observer that
// turns heartbeat absence into a "master silent" signal.
//
// The master runs a Heartbeater that publishes a beat at a fixed period as
// soon as it is ready. Replicas and probes feed received beats into a
// Monitor, which answers "is the master message stream alive" and fires a
// callback once per transition to silence. What to do about a silent master
// is up to the caller.
package liveness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
)

const (
	// DefaultInterval is the heartbeat period.
	DefaultInterval = time.Second
	// DefaultStaleness is how long without a beat before the master is
	// considered silent.
	DefaultStaleness = 3 * time.Second
)

// PublishFunc sends one heartbeat. Errors are logged and the next beat is
// attempted on schedule.
type PublishFunc func(ctx context.Context, beat uint64) error

// Heartbeater publishes heartbeats at a fixed period.
// Thread-safe: Start and Stop may be called from any goroutine.
type Heartbeater struct {
	publish  PublishFunc
	interval time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	beats   atomic.Uint64
}

// NewHeartbeater creates a heartbeater that calls publish every interval.
// A non-positive interval selects DefaultInterval.
//
// Example:
//
//	hb := NewHeartbeater(time.Second, func(ctx context.Context, beat uint64) error {
//	    return node.publishHeartbeat(ctx, beat)
//	}, logger)
//	hb.Start()
//	defer hb.Stop()
func NewHeartbeater(interval time.Duration, publish PublishFunc, logger *zap.Logger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeater{
		publish:  publish,
		interval: interval,
		logger:   logger.Named("heartbeat"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the publishing goroutine. The first beat goes out
// immediately. Calling Start more than once has no effect.
func (h *Heartbeater) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	h.wg.Add(1)
	go h.loop()
}

func (h *Heartbeater) loop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Debug("heartbeat started", zap.Duration("interval", h.interval))
	h.beat()
	for {
		select {
		case <-ticker.C:
			h.beat()
		case <-h.ctx.Done():
			h.logger.Debug("heartbeat stopped", zap.Uint64("beats", h.beats.Load()))
			return
		}
	}
}

func (h *Heartbeater) beat() {
	n := h.beats.Add(1)
	if err := h.publish(h.ctx, n); err != nil && h.ctx.Err() == nil {
		h.logger.Warn("heartbeat publish failed", zap.Uint64("beat", n), zap.Error(err))
	}
}

// Stop cancels the goroutine and waits for it to exit. Safe to call more
// than once, and before Start.
func (h *Heartbeater) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Beats returns the number of beats attempted so far.
func (h *Heartbeater) Beats() uint64 { return h.beats.Load() }

// Monitor tracks heartbeats from the master.
//
// State transitions:
//
//	waiting ──beat──▶ alive ──staleness elapsed──▶ silent
//	   │                ▲                            │
//	   └─staleness──▶ silent ◀──────────────beat─────┘ (recover)
//
// The silence callback fires once per transition into silent, on its own
// goroutine, so it may stop the monitor.
// Thread-safe: all methods are safe for concurrent access.
type Monitor struct {
	staleness time.Duration
	check     time.Duration
	logger    *zap.Logger

	mu        sync.RWMutex
	master    cluster.NodeID
	lastBeat  time.Time
	beat      uint64
	seen      bool
	silent    bool
	onSilent  func(master cluster.NodeID)
	onRecover func(master cluster.NodeID)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a monitor that declares the master silent after
// staleness without a beat. A non-positive staleness selects
// DefaultStaleness.
func NewMonitor(staleness time.Duration, logger *zap.Logger) *Monitor {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	check := staleness / 4
	if check < time.Millisecond {
		check = time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		staleness: staleness,
		check:     check,
		logger:    logger.Named("liveness"),
		lastBeat:  time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetOnSilent sets the callback for the transition into silence. Must be
// called before Start.
func (m *Monitor) SetOnSilent(cb func(master cluster.NodeID)) { m.onSilent = cb }

// SetOnRecover sets the callback for a beat arriving after silence. Must be
// called before Start.
func (m *Monitor) SetOnRecover(cb func(master cluster.NodeID)) { m.onRecover = cb }

// Observe records a received heartbeat.
func (m *Monitor) Observe(hb cluster.HeartbeatPayload) {
	m.mu.Lock()
	m.master = hb.Master
	m.lastBeat = time.Now()
	m.beat = hb.Beat
	m.seen = true
	recovered := m.silent
	m.silent = false
	m.mu.Unlock()

	if recovered {
		m.logger.Info("master heartbeat resumed", zap.String("master", string(hb.Master)))
		if m.onRecover != nil {
			go m.onRecover(hb.Master)
		}
	}
}

// Alive reports whether a beat arrived within the staleness window.
func (m *Monitor) Alive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seen && time.Since(m.lastBeat) <= m.staleness
}

// LastBeat returns the master identity, the last beat number and when it
// arrived. ok is false until the first beat.
func (m *Monitor) LastBeat() (master cluster.NodeID, beat uint64, at time.Time, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.master, m.beat, m.lastBeat, m.seen
}

// Start launches the staleness checker. The staleness window starts now.
func (m *Monitor) Start() {
	m.mu.Lock()
	if !m.seen {
		m.lastBeat = time.Now()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.check)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.evaluate()
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) evaluate() {
	m.mu.Lock()
	if m.silent || time.Since(m.lastBeat) <= m.staleness {
		m.mu.Unlock()
		return
	}
	m.silent = true
	master := m.master
	since := time.Since(m.lastBeat)
	m.mu.Unlock()

	m.logger.Warn("master heartbeat silent",
		zap.String("master", string(master)),
		zap.Duration("since", since))
	if m.onSilent != nil {
		go m.onSilent(master)
	}
}

// Stop halts the checker and waits for it to exit.
func (m *Monitor) Stop() {
	m.once.Do(m.cancel)
	m.wg.Wait()
}
