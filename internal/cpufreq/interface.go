package cpufreq

import (
	"fmt"
	"math"
)

// PolicyStore reads and writes per-core frequency bounds.
type PolicyStore interface {
	// CoreCount returns the number of cores known at startup.
	CoreCount() int

	// OnlineCores returns the cores currently able to take a new floor.
	OnlineCores() []CoreID

	// Policy returns the core's current floor and ceiling.
	Policy(core CoreID) (Policy, error)

	// SetFloor writes a new floor for the core and commits it.
	SetFloor(core CoreID, floor Frequency) error
}

// Domain types
type (
	CoreID int

	// Frequency is expressed in kHz, the unit cpufreq uses.
	Frequency uint32

	Policy struct {
		Floor, Ceiling Frequency
	}
)

const kHzPerMHz = 1000

// MaxMHz is the largest MHz value a Frequency can hold.
const MaxMHz = math.MaxUint32 / kHzPerMHz

// FromMHz converts a MHz value into a Frequency. ok is false when mhz does
// not fit.
func FromMHz(mhz uint32) (Frequency, bool) {
	if mhz > MaxMHz {
		return 0, false
	}

	return Frequency(mhz * kHzPerMHz), true
}

func (f Frequency) String() string {
	return fmt.Sprintf("%dkHz", uint32(f))
}
