// Package health tracks the liveness of model backends from live traffic and probes.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// State is a backend's liveness.
type State int32

const (
	StateHealthy State = iota
	StateDegraded
	StateDown
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Config holds the state machine thresholds.
type Config struct {
	// DegradeAfter consecutive failures move healthy to degraded.
	DegradeAfter int
	// DownAfter further consecutive failures move degraded to down.
	DownAfter int
	// RecoverAfter consecutive successes move degraded back to healthy.
	RecoverAfter int
	// ErrorRate over Window (with at least MinSamples calls) also degrades.
	ErrorRate  float64
	Window     time.Duration
	MinSamples int
	// Cooldown is the minimum time a backend stays down.
	Cooldown time.Duration
}

// DefaultConfig returns conservative thresholds.
func DefaultConfig() Config {
	return Config{
		DegradeAfter: 3,
		DownAfter:    3,
		RecoverAfter: 2,
		ErrorRate:    0.5,
		Window:       time.Minute,
		MinSamples:   5,
		Cooldown:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = d.DegradeAfter
	}
	if c.DownAfter <= 0 {
		c.DownAfter = d.DownAfter
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = d.RecoverAfter
	}
	if c.ErrorRate <= 0 || c.ErrorRate > 1 {
		c.ErrorRate = d.ErrorRate
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Transition describes a state change.
type Transition struct {
	Backend string
	From    State
	To      State
	Reason  string
	At      time.Time
}

// Listener observes transitions. Listeners run on the reporting goroutine and must not block.
type Listener func(Transition)

type sample struct {
	at     time.Time
	failed bool
}

type tracker struct {
	state          atomic.Int32
	throttledUntil atomic.Int64

	mu               sync.Mutex
	failures         int
	successes        int
	degradedFailures int
	samples          []sample
	downSince        time.Time
}

// Monitor keeps one state machine per backend. Status is lock-free.
type Monitor struct {
	cfg      Config
	now      func() time.Time
	logger   *logging.Logger
	trackers sync.Map // name -> *tracker

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{cfg: cfg.withDefaults(), now: time.Now, logger: logging.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe adds a transition listener.
func (m *Monitor) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Status returns the effective state. Unknown backends are healthy.
func (m *Monitor) Status(name string) State {
	t, ok := m.lookup(name)
	if !ok {
		return StateHealthy
	}
	state := State(t.state.Load())
	if state == StateHealthy && m.now().UnixNano() < t.throttledUntil.Load() {
		return StateDegraded
	}
	return state
}

// Snapshot returns the effective state of every known backend.
func (m *Monitor) Snapshot() map[string]State {
	out := make(map[string]State)
	m.trackers.Range(func(key, _ any) bool {
		name := key.(string)
		out[name] = m.Status(name)
		return true
	})
	return out
}

// Sync makes the known set match names, dropping state for removed backends.
func (m *Monitor) Sync(names []string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
		m.tracker(n)
	}
	m.trackers.Range(func(key, _ any) bool {
		if !keep[key.(string)] {
			m.trackers.Delete(key)
		}
		return true
	})
}

// Throttle reports a backend as degraded for d without touching its counters.
func (m *Monitor) Throttle(name string, d time.Duration) {
	if d <= 0 {
		return
	}
	t := m.tracker(name)
	until := m.now().Add(d).UnixNano()
	for {
		cur := t.throttledUntil.Load()
		if cur >= until || t.throttledUntil.CompareAndSwap(cur, until) {
			break
		}
	}
	m.logger.Warn("backend throttled", "backend", name, "for", d.String())
}

// ProbeDue reports whether a down backend has served its cooldown and may be probed.
func (m *Monitor) ProbeDue(name string) bool {
	t, ok := m.lookup(name)
	if !ok || State(t.state.Load()) != StateDown {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.now().Sub(t.downSince) >= m.cfg.Cooldown
}

// Report implements backend.Reporter.
func (m *Monitor) Report(name string, o backend.Outcome) {
	if o.Kind == backend.KindInvalidRequest || o.Kind == backend.KindRateLimited {
		// Neither says anything about liveness; rate limits go through Throttle.
		return
	}
	at := o.At
	if at.IsZero() {
		at = m.now()
	}

	t := m.tracker(name)
	t.mu.Lock()
	from := State(t.state.Load())
	to, reason := m.advance(t, at, o.Success())
	if to != from {
		t.state.Store(int32(to))
	}
	t.mu.Unlock()

	if to != from {
		m.emit(Transition{Backend: name, From: from, To: to, Reason: reason, At: at})
	}
}

// advance applies one outcome. Caller holds t.mu.
func (m *Monitor) advance(t *tracker, at time.Time, ok bool) (State, string) {
	cutoff := at.Add(-m.cfg.Window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = append(t.samples[i:], sample{at: at, failed: !ok})

	state := State(t.state.Load())
	if ok {
		t.failures = 0
		t.successes++
		switch state {
		case StateDown:
			if at.Sub(t.downSince) >= m.cfg.Cooldown {
				t.reset()
				return StateHealthy, "recovered after cooldown"
			}
		case StateDegraded:
			t.degradedFailures = 0
			if t.successes >= m.cfg.RecoverAfter && !m.rateExceeded(t) {
				t.reset()
				return StateHealthy, "consecutive successes"
			}
		}
		return state, ""
	}

	t.successes = 0
	t.failures++
	switch state {
	case StateHealthy:
		if t.failures >= m.cfg.DegradeAfter {
			t.degradedFailures = 0
			return StateDegraded, "consecutive failures"
		}
		if m.rateExceeded(t) {
			t.degradedFailures = 0
			return StateDegraded, "error rate"
		}
	case StateDegraded:
		t.degradedFailures++
		if t.degradedFailures >= m.cfg.DownAfter {
			t.downSince = at
			return StateDown, "failures while degraded"
		}
	case StateDown:
		// A failed probe or last-resort call restarts the cooldown.
		t.downSince = at
	}
	return state, ""
}

func (m *Monitor) rateExceeded(t *tracker) bool {
	if len(t.samples) < m.cfg.MinSamples {
		return false
	}
	failed := 0
	for _, s := range t.samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed)/float64(len(t.samples)) >= m.cfg.ErrorRate
}

func (t *tracker) reset() {
	t.failures = 0
	t.successes = 0
	t.degradedFailures = 0
	t.samples = t.samples[:0]
	t.downSince = time.Time{}
}

func (m *Monitor) emit(tr Transition) {
	log := m.logger.Info
	if tr.To != StateHealthy {
		log = m.logger.Warn
	}
	log("backend health changed",
		"backend", tr.Backend,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"reason", tr.Reason,
	)

	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l(tr)
	}
}

func (m *Monitor) lookup(name string) (*tracker, bool) {
	v, ok := m.trackers.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*tracker), true
}

func (m *Monitor) tracker(name string) *tracker {
	if t, ok := m.lookup(name); ok {
		return t
	}
	v, _ := m.trackers.LoadOrStore(name, &tracker{})
	return v.(*tracker)
}

var _ backend.Reporter = (*Monitor)(nil)
