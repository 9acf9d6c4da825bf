package boost

import (
	"time"

	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/errors"
)

const (
	defaultMinCeilingThreshold = cpufreq.Frequency(486000)
	defaultBoostMargin         = cpufreq.Frequency(108000)
	defaultPolicyRetries       = 4
	defaultRetryBackoff        = 2 * time.Millisecond
)

type Config struct {
	// Ceilings at or below this value never take a boost.
	MinCeilingThreshold cpufreq.Frequency
	// Distance kept below the ceiling when the target reaches it.
	BoostMargin   cpufreq.Frequency
	PolicyRetries int
	// Backoff grows linearly with the attempt number.
	RetryBackoff time.Duration
	Enabled      bool
	Activity     ActivityParams
}

// ActivityParams is the fixed boost issued for every activity event.
type ActivityParams struct {
	FrequencyMHz uint32
	DurationMs   uint32
}

// Active reports whether activity events should boost at all.
func (p ActivityParams) Active() bool {
	return p.FrequencyMHz != 0 && p.DurationMs != 0
}

func DefaultConfig() Config {
	return Config{
		MinCeilingThreshold: defaultMinCeilingThreshold,
		BoostMargin:         defaultBoostMargin,
		PolicyRetries:       defaultPolicyRetries,
		RetryBackoff:        defaultRetryBackoff,
		Enabled:             true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.PolicyRetries < 1 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{
			Field: "policy_retries",
			Value: c.PolicyRetries,
		})
	}

	if c.RetryBackoff < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value time.Duration
		}{
			Field: "retry_backoff",
			Value: c.RetryBackoff,
		})
	}

	// The margin is subtracted from ceilings above the threshold, so it must
	// not be able to underflow them.
	if c.BoostMargin > c.MinCeilingThreshold {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field     string
			Margin    cpufreq.Frequency
			Threshold cpufreq.Frequency
		}{
			Field:     "boost_margin",
			Margin:    c.BoostMargin,
			Threshold: c.MinCeilingThreshold,
		})
	}

	return nil
}
