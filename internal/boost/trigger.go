package boost

import (
	"sync/atomic"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/logger"
)

// Controller is the public boost API. It validates requests, consults the
// gate and funnels everything into the Machine.
type Controller struct {
	machine  *Machine
	gate     *Gate
	activity atomic.Pointer[ActivityParams]
	log      logger.Logger
}

var _ API = (*Controller)(nil)

func NewController(machine *Machine, gate *Gate, params ActivityParams, log logger.Logger) *Controller {
	c := &Controller{
		machine: machine,
		gate:    gate,
		log:     log,
	}
	c.activity.Store(&params)

	return c
}

// BoostTimeout raises the floor to mhz for durationMs milliseconds.
func (c *Controller) BoostTimeout(mhz, durationMs uint32) bool {
	return c.timed(mhz, durationMs, SourceTimed)
}

// Boost raises the floor to mhz until Unboost is called.
func (c *Controller) Boost(mhz uint32) bool {
	if !c.gate.IsEnabled() {
		return false
	}

	if mhz == 0 {
		c.log.Debug().
			Str("error_code", string(ErrDroppedRequest)).
			Msg("Dropped signal boost with zero frequency")
		return false
	}

	target, ok := cpufreq.FromMHz(mhz)
	if !ok {
		c.dropOutOfRange(mhz)
		return false
	}

	return c.machine.Request(Request{
		Target: target,
		Source: SourceSignal,
	})
}

// Unboost ends the pending signal-terminated boost.
func (c *Controller) Unboost() bool {
	if !c.gate.IsEnabled() {
		return false
	}

	return c.machine.Unboost()
}

// Shutdown disables boosting. A cycle already running is left to finish.
func (c *Controller) Shutdown() {
	c.gate.SetEnabled(false)
	c.log.Info().Msg("Boosting disabled")
}

// Startup enables boosting.
func (c *Controller) Startup() {
	c.gate.SetEnabled(true)
	c.log.Info().Msg("Boosting enabled")
}

func (c *Controller) IsEnabled() bool {
	return c.gate.IsEnabled()
}

// OnActivity maps an activity event onto the configured timed boost. Every
// event re-triggers the boost.
func (c *Controller) OnActivity() {
	p := c.ActivityParams()
	if !p.Active() {
		return
	}

	c.timed(p.FrequencyMHz, p.DurationMs, SourceActivity)
}

func (c *Controller) ActivityParams() ActivityParams {
	return *c.activity.Load()
}

func (c *Controller) SetActivityParams(p ActivityParams) {
	c.activity.Store(&p)
	c.log.Info().
		Uint32("frequency_mhz", p.FrequencyMHz).
		Uint32("duration_ms", p.DurationMs).
		Msg("Activity boost updated")
}

func (c *Controller) Status() Status {
	return c.machine.Status()
}

func (c *Controller) timed(mhz, durationMs uint32, source string) bool {
	if !c.gate.IsEnabled() {
		return false
	}

	if mhz == 0 || durationMs == 0 {
		c.log.Debug().
			Str("error_code", string(ErrDroppedRequest)).
			Uint32("frequency_mhz", mhz).
			Uint32("duration_ms", durationMs).
			Msg("Dropped timed boost with zero parameter")
		return false
	}

	target, ok := cpufreq.FromMHz(mhz)
	if !ok {
		c.dropOutOfRange(mhz)
		return false
	}

	return c.machine.Request(Request{
		Target:   target,
		Duration: time.Duration(durationMs) * time.Millisecond,
		Source:   source,
	})
}

func (c *Controller) dropOutOfRange(mhz uint32) {
	c.log.Debug().
		Str("error_code", string(ErrDroppedRequest)).
		Uint32("frequency_mhz", mhz).
		Uint32("max_mhz", cpufreq.MaxMHz).
		Msg("Dropped boost with out of range frequency")
}
