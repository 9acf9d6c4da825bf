package boost

import (
	"time"

	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
)

// Mode says how a boost cycle ends.
type Mode int

const (
	// ModeTimed cycles expire after their duration.
	ModeTimed Mode = iota
	// ModeSignal cycles last until Unboost.
	ModeSignal
)

func (m Mode) String() string {
	switch m {
	case ModeTimed:
		return "timed"
	case ModeSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Request sources, recorded in history.
const (
	SourceTimed    = "timed"
	SourceSignal   = "signal"
	SourceActivity = "activity"
)

// Request is a single boost request as consumed by the Machine.
type Request struct {
	Target cpufreq.Frequency
	// Zero means the cycle waits for Unboost.
	Duration time.Duration
	Source   string
}

func (r Request) mode() Mode {
	if r.Duration > 0 {
		return ModeTimed
	}

	return ModeSignal
}

// Status is a point-in-time copy of the cycle state.
type Status struct {
	Enabled   bool
	Active    bool
	Preempted bool
	Pending   bool
	Cycle     uint64
	Mode      Mode
	Source    string
	Target    cpufreq.Frequency
	Duration  time.Duration
	Snapshot  map[cpufreq.CoreID]cpufreq.Frequency
}

// Boosted reports whether floors are currently overridden.
func (s Status) Boosted() bool {
	return s.Active || s.Preempted
}

// API is the public surface used by the control socket and the activity
// source.
type API interface {
	BoostTimeout(mhz, durationMs uint32) bool
	Boost(mhz uint32) bool
	Unboost() bool
	Shutdown()
	Startup()
	OnActivity()
	IsEnabled() bool
	Status() Status
	ActivityParams() ActivityParams
	SetActivityParams(p ActivityParams)
}
