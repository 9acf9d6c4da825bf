package boost

import (
	"strconv"
	"strings"
	"sync/atomic"

	"codeberg.org/mutker/cpuboostd/internal/errors"
)

// Gate is the process-wide enable switch consulted by every trigger.
type Gate struct {
	enabled atomic.Bool
}

func NewGate(enabled bool) *Gate {
	g := &Gate{}
	g.enabled.Store(enabled)

	return g
}

func (g *Gate) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

func (g *Gate) IsEnabled() bool {
	return g.enabled.Load()
}

// ReadStatus renders the gate as "0\n" or "1\n".
func (g *Gate) ReadStatus() string {
	if g.IsEnabled() {
		return "1\n"
	}

	return "0\n"
}

// WriteStatus accepts "1" to enable and "0" to disable. Any other value is
// rejected and leaves the gate unchanged.
func (g *Gate) WriteStatus(text string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(text), 10, 32)
	if err != nil || v > 1 {
		return errors.New().WithData(errors.ErrInvalidArgument, strings.TrimSpace(text))
	}

	g.SetEnabled(v == 1)

	return nil
}
