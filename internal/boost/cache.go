package boost

import (
	"sort"

	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
)

// Cache holds the floor each core had before the current boost chain began.
// It has no locking of its own; the Machine serializes every access.
type Cache struct {
	floors map[cpufreq.CoreID]cpufreq.Frequency
}

func NewCache() *Cache {
	return &Cache{floors: make(map[cpufreq.CoreID]cpufreq.Frequency)}
}

// Capture records the current floor of each core. A core whose policy cannot
// be resolved loses any older entry, so a stale floor is never restored.
// The cores that could not be captured are returned.
func (c *Cache) Capture(cores []cpufreq.CoreID, lookup func(cpufreq.CoreID) (cpufreq.Policy, error)) []cpufreq.CoreID {
	var failed []cpufreq.CoreID

	for _, core := range cores {
		policy, err := lookup(core)
		if err != nil {
			delete(c.floors, core)
			failed = append(failed, core)
			continue
		}
		c.floors[core] = policy.Floor
	}

	return failed
}

// Reset forgets every captured floor.
func (c *Cache) Reset() {
	clear(c.floors)
}

func (c *Cache) Get(core cpufreq.CoreID) (cpufreq.Frequency, bool) {
	f, ok := c.floors[core]
	return f, ok
}

// Cores returns the captured cores in ascending order.
func (c *Cache) Cores() []cpufreq.CoreID {
	cores := make([]cpufreq.CoreID, 0, len(c.floors))
	for core := range c.floors {
		cores = append(cores, core)
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	return cores
}
