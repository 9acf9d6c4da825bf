package cpufreq

import "codeberg.org/mutker/cpuboostd/internal/errors"

const (
	// Discovery Errors
	ErrNoCores         = errors.ErrorCode("cpufreq_no_cores")
	ErrCoreOutOfRange  = errors.ErrorCode("cpufreq_core_out_of_range")
	ErrDiscoveryFailed = errors.ErrorCode("cpufreq_discovery_failed")

	// Policy Errors
	ErrPolicyUnavailable = errors.ErrorCode("cpufreq_policy_unavailable")
	ErrPolicyInvalid     = errors.ErrorCode("cpufreq_policy_invalid")
	ErrSetFloorFailed    = errors.ErrorCode("cpufreq_set_floor_failed")
)

// IsUnavailable reports whether err is a transient policy lookup failure
// worth retrying.
func IsUnavailable(err error) bool {
	return errors.HasCode(err, ErrPolicyUnavailable)
}
