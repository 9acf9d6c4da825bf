package boost

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/errors"
	"codeberg.org/mutker/cpuboostd/internal/history"
	"codeberg.org/mutker/cpuboostd/internal/logger"
)

const (
	warnPerSecond = 2
	warnPerMinute = 20
)

// cycleState is the single record every trigger and the worker share. It is
// only touched with Machine.mu held.
type cycleState struct {
	active    bool
	preempted bool
	target    cpufreq.Frequency
	duration  time.Duration
}

// cycle identifies one boost request. Signal-terminated cycles are released
// through release; a superseded cycle is told so through cancelled.
type cycle struct {
	id        uint64
	mode      Mode
	source    string
	release   chan struct{}
	released  bool
	cancelled chan struct{}
	done      bool
}

func newCycle(id uint64, req Request) *cycle {
	return &cycle{
		id:        id,
		mode:      req.mode(),
		source:    req.Source,
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (c *cycle) cancel() {
	if !c.done {
		c.done = true
		close(c.cancelled)
	}
}

// Machine runs boost cycles: apply, wait for expiry or unboost, restore.
// Every deferred step runs on one worker goroutine.
type Machine struct {
	store   cpufreq.PolicyStore
	gate    *Gate
	history history.Collector
	log     logger.Logger
	warn    *logger.Sampler

	threshold cpufreq.Frequency
	margin    cpufreq.Frequency
	retries   int
	backoff   time.Duration

	mu     sync.Mutex
	state  cycleState
	cache  *Cache
	cycle  *cycle
	nextID uint64
	closed bool

	work   *delayedWork
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMachine builds a Machine and starts its worker. Close must be called to
// stop the worker and put back any boosted floor.
func NewMachine(store cpufreq.PolicyStore, gate *Gate, cfg Config, collector history.Collector, log logger.Logger) (*Machine, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if collector == nil {
		collector = history.NewNoop()
	}

	m := &Machine{
		store:     store,
		gate:      gate,
		history:   collector,
		log:       log,
		warn:      logger.NewSampler(warnPerSecond, warnPerMinute),
		threshold: cfg.MinCeilingThreshold,
		margin:    cfg.BoostMargin,
		retries:   cfg.PolicyRetries,
		backoff:   cfg.RetryBackoff,
		cache:     NewCache(),
	}
	m.work = newDelayedWork(m.step)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.work.run(m.ctx)

	return m, nil
}

// Request starts a new boost cycle, preempting the current one. It returns
// false when the request was dropped.
func (m *Machine) Request(req Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.gate.IsEnabled() {
		code := ErrDroppedRequest
		if m.closed {
			code = ErrClosed
		}
		m.log.Debug().
			Str("error_code", string(code)).
			Str("source", req.Source).
			Uint32("target", uint32(req.Target)).
			Msg("Boost request dropped")
		return false
	}

	m.requestLocked(req)

	return true
}

// requestLocked supersedes whatever cycle exists and queues the new one.
func (m *Machine) requestLocked(req Request) {
	if m.state.active {
		m.preemptLocked()
	} else if m.cycle != nil {
		// Requested but not yet applied: simply superseded.
		m.cycle.cancel()
	}

	m.nextID++
	m.cycle = newCycle(m.nextID, req)
	m.state.target = req.Target
	m.state.duration = req.Duration

	m.work.Schedule(0)

	m.log.Debug().
		Uint64("cycle", m.nextID).
		Str("source", req.Source).
		Str("mode", m.cycle.mode.String()).
		Uint32("target", uint32(req.Target)).
		Dur("duration", req.Duration).
		Msg("Boost requested")
}

// Unboost releases the pending signal-terminated cycle. It returns false when
// there is nothing to release.
func (m *Machine) Unboost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.gate.IsEnabled() {
		return false
	}

	c := m.cycle
	if c == nil || c.mode != ModeSignal || c.released {
		return false
	}

	c.released = true
	close(c.release)

	m.log.Debug().Uint64("cycle", c.id).Msg("Unboost signalled")

	return true
}

// Status returns a copy of the current cycle state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Enabled:   m.gate.IsEnabled(),
		Active:    m.state.active,
		Preempted: m.state.preempted,
		Pending:   m.work.Pending(),
		Target:    m.state.target,
		Duration:  m.state.duration,
		Snapshot:  make(map[cpufreq.CoreID]cpufreq.Frequency),
	}
	if m.cycle != nil {
		s.Cycle = m.cycle.id
		s.Mode = m.cycle.mode
		s.Source = m.cycle.source
	}
	for _, core := range m.cache.Cores() {
		s.Snapshot[core], _ = m.cache.Get(core)
	}

	return s
}

// Close stops the worker. Floors still boosted are restored first. ctx bounds
// the wait for an in-flight step to finish.
func (m *Machine) Close(ctx context.Context) error {
	errFactory := errors.New()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.work.Cancel()
	if m.cycle != nil {
		m.cycle.cancel()
	}

	var err error
	if m.state.active || m.state.preempted {
		err = m.restoreLocked("shutdown")
	} else {
		m.resetLocked()
	}
	m.mu.Unlock()

	m.cancel()

	select {
	case <-m.work.done:
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	}

	return err
}

// step is the deferred body. With a cycle active it restores; otherwise it
// applies the requested floor and arranges for the cycle to end.
func (m *Machine) step() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	if m.state.active {
		if err := m.restoreLocked("expired"); err != nil {
			m.log.Warn().Err(err).Msg("Restore incomplete")
		}
		m.mu.Unlock()
		return
	}

	c := m.cycle
	if c == nil {
		m.mu.Unlock()
		return
	}

	// This step applies the latest request. A run queued by a request that
	// arrived after the worker picked this one up is redundant.
	m.work.Cancel()

	if !m.state.preempted {
		failed := m.cache.Capture(m.store.OnlineCores(), m.resolvePolicy)
		for _, core := range failed {
			m.warn.Warn(m.log, core).
				Int("core", int(core)).
				Msg("Could not capture original floor, core will not be boosted")
		}
	}

	if m.applyLocked(c) == 0 {
		m.endUnappliedLocked(c)
		m.mu.Unlock()
		return
	}

	m.state.active = true

	if m.state.duration > 0 {
		m.work.Schedule(m.state.duration)
		m.mu.Unlock()
		return
	}

	m.mu.Unlock()
	m.awaitRelease(c)
}

// awaitRelease blocks the worker until the signal cycle is released,
// superseded or the machine closes.
func (m *Machine) awaitRelease(c *cycle) {
	select {
	case <-c.release:
		m.mu.Lock()
		if m.cycle == c && m.state.active && !m.closed {
			m.work.Schedule(0)
		}
		m.mu.Unlock()
	case <-c.cancelled:
	case <-m.ctx.Done():
	}
}

// applyLocked boosts every online core that has a snapshot and returns how
// many cores took the new floor.
func (m *Machine) applyLocked(c *cycle) int {
	target := m.state.target
	if target == 0 {
		return 0
	}

	applied := 0
	for _, core := range m.store.OnlineCores() {
		if _, ok := m.cache.Get(core); !ok {
			m.log.Debug().Int("core", int(core)).Msg("No original floor recorded, skipping core")
			m.record(c, history.KindSkip, core, 0, 0, string(ErrNoSnapshot))
			continue
		}

		policy, err := m.resolvePolicy(core)
		if err != nil {
			m.warn.Warn(m.log, core).
				Err(err).
				Int("core", int(core)).
				Msg("Policy unavailable, skipping core")
			m.record(c, history.KindSkip, core, 0, 0, string(errors.CodeOf(err)))
			continue
		}

		floor, ok := Clamp(target, policy.Ceiling, m.threshold, m.margin)
		if !ok {
			m.log.Info().
				Int("core", int(core)).
				Uint32("target", uint32(target)).
				Uint32("ceiling", uint32(policy.Ceiling)).
				Msg("Ceiling too low, boost aborted for core")
			m.record(c, history.KindAbort, core, 0, policy.Ceiling, string(ErrBoostAborted))
			continue
		}

		if err := m.setFloor(core, floor); err != nil {
			m.warn.Warn(m.log, core).
				Err(err).
				Int("core", int(core)).
				Msg("Failed to apply floor")
			m.record(c, history.KindSkip, core, floor, policy.Ceiling, string(errors.CodeOf(err)))
			continue
		}

		applied++
		m.record(c, history.KindApply, core, floor, policy.Ceiling, "")
	}

	m.log.Debug().
		Uint64("cycle", c.id).
		Int("cores", applied).
		Uint32("target", uint32(target)).
		Msg("Boost applied")

	return applied
}

// endUnappliedLocked finishes a cycle that boosted nothing. A preempted chain
// still has floors from its earlier cycles in place, so those are restored.
func (m *Machine) endUnappliedLocked(c *cycle) {
	if m.state.preempted {
		if err := m.restoreLocked("aborted"); err != nil {
			m.log.Warn().Err(err).Msg("Restore incomplete")
		}
		return
	}

	m.log.Debug().Uint64("cycle", c.id).Msg("Boost cycle ended without applying")
	m.resetLocked()
}

// preemptLocked supersedes the active cycle. Its restore never runs; the next
// cycle keeps the snapshot taken before the chain began.
func (m *Machine) preemptLocked() {
	m.state.active = false
	m.state.preempted = true
	m.work.Cancel()

	if m.cycle != nil {
		m.cycle.cancel()
		m.record(m.cycle, history.KindPreempt, -1, 0, 0, "")
		m.log.Debug().Uint64("cycle", m.cycle.id).Msg("Boost cycle preempted")
	}
}

// restoreLocked writes the snapshot back to every captured core and returns
// the machine to idle.
func (m *Machine) restoreLocked(reason string) error {
	c := m.cycle
	var failed []cpufreq.CoreID

	for _, core := range m.cache.Cores() {
		floor, _ := m.cache.Get(core)
		if err := m.setFloor(core, floor); err != nil {
			m.log.Error().
				Err(err).
				Int("core", int(core)).
				Uint32("floor", uint32(floor)).
				Msg("Failed to restore original floor")
			failed = append(failed, core)
			continue
		}
		if c != nil {
			m.record(c, history.KindRestore, core, floor, 0, reason)
		}
	}

	if c != nil {
		m.log.Debug().
			Uint64("cycle", c.id).
			Str("reason", reason).
			Msg("Original floors restored")
	}

	m.resetLocked()

	if len(failed) > 0 {
		return errors.New().WithData(ErrRestoreIncomplete, failed)
	}

	return nil
}

func (m *Machine) resetLocked() {
	if m.cycle != nil {
		m.cycle.cancel()
	}
	m.cycle = nil
	m.state = cycleState{}
	m.cache.Reset()
}

func (m *Machine) resolvePolicy(core cpufreq.CoreID) (cpufreq.Policy, error) {
	var policy cpufreq.Policy
	err := retry(m.retries, m.backoff, func() error {
		var err error
		policy, err = m.store.Policy(core)
		return err
	})

	return policy, err
}

func (m *Machine) setFloor(core cpufreq.CoreID, floor cpufreq.Frequency) error {
	return retry(m.retries, m.backoff, func() error {
		return m.store.SetFloor(core, floor)
	})
}

func (m *Machine) record(c *cycle, kind history.Kind, core cpufreq.CoreID, floor, ceiling cpufreq.Frequency, detail string) {
	event := &history.Event{
		Timestamp:  time.Now(),
		Cycle:      c.id,
		Kind:       kind,
		Source:     c.source,
		Core:       int(core),
		Target:     uint32(m.state.target),
		Floor:      uint32(floor),
		Ceiling:    uint32(ceiling),
		DurationMs: m.state.duration.Milliseconds(),
		Detail:     detail,
	}

	if err := m.history.Record(m.ctx, event); err != nil {
		m.log.Debug().Err(err).Msg("Failed to record boost event")
	}
}
