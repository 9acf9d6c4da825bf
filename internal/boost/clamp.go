package boost

import "codeberg.org/mutker/cpuboostd/internal/cpufreq"

// Clamp returns the floor to apply for target on a core whose ceiling is
// ceiling. The second result is false when the core must not be boosted.
func Clamp(target, ceiling, threshold, margin cpufreq.Frequency) (cpufreq.Frequency, bool) {
	if target < ceiling {
		return target, true
	}

	if ceiling <= threshold || ceiling <= margin {
		return 0, false
	}

	return ceiling - margin, true
}
