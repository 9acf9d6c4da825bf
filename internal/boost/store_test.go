package boost_test

import (
	"sync"

	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/errors"
	"github.com/stretchr/testify/mock"
)

type floorWrite struct {
	core  cpufreq.CoreID
	floor cpufreq.Frequency
}

// fakeStore is an in-memory policy store.
type fakeStore struct {
	mu       sync.Mutex
	policies map[cpufreq.CoreID]cpufreq.Policy
	online   []cpufreq.CoreID
	// Remaining lookups that fail as unavailable; negative fails forever.
	unavailable map[cpufreq.CoreID]int
	writes      []floorWrite
}

func newFakeStore(cores int, floor, ceiling cpufreq.Frequency) *fakeStore {
	s := &fakeStore{
		policies:    make(map[cpufreq.CoreID]cpufreq.Policy),
		unavailable: make(map[cpufreq.CoreID]int),
	}
	for i := 0; i < cores; i++ {
		core := cpufreq.CoreID(i)
		s.policies[core] = cpufreq.Policy{Floor: floor, Ceiling: ceiling}
		s.online = append(s.online, core)
	}

	return s
}

func (s *fakeStore) CoreCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.policies)
}

func (s *fakeStore) OnlineCores() []cpufreq.CoreID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]cpufreq.CoreID(nil), s.online...)
}

func (s *fakeStore) Policy(core cpufreq.CoreID) (cpufreq.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.unavailable[core]; n != 0 {
		if n > 0 {
			s.unavailable[core] = n - 1
		}
		return cpufreq.Policy{}, errors.New().New(cpufreq.ErrPolicyUnavailable)
	}

	return s.policies[core], nil
}

func (s *fakeStore) SetFloor(core cpufreq.CoreID, floor cpufreq.Frequency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.policies[core]
	p.Floor = floor
	s.policies[core] = p
	s.writes = append(s.writes, floorWrite{core: core, floor: floor})

	return nil
}

func (s *fakeStore) setCeiling(core cpufreq.CoreID, ceiling cpufreq.Frequency) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.policies[core]
	p.Ceiling = ceiling
	s.policies[core] = p
}

func (s *fakeStore) setUnavailable(core cpufreq.CoreID, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unavailable[core] = times
}

func (s *fakeStore) floor(core cpufreq.CoreID) cpufreq.Frequency {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.policies[core].Floor
}

func (s *fakeStore) floorsAre(f cpufreq.Frequency, cores ...cpufreq.CoreID) bool {
	for _, core := range cores {
		if s.floor(core) != f {
			return false
		}
	}

	return true
}

// writesFor returns the floors written to core, in order.
func (s *fakeStore) writesFor(core cpufreq.CoreID) []cpufreq.Frequency {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []cpufreq.Frequency
	for _, w := range s.writes {
		if w.core == core {
			out = append(out, w.floor)
		}
	}

	return out
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.writes)
}

// mockStore is used where the exact calls made to the store matter.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) CoreCount() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockStore) OnlineCores() []cpufreq.CoreID {
	args := m.Called()
	return args.Get(0).([]cpufreq.CoreID)
}

func (m *mockStore) Policy(core cpufreq.CoreID) (cpufreq.Policy, error) {
	args := m.Called(core)
	return args.Get(0).(cpufreq.Policy), args.Error(1)
}

func (m *mockStore) SetFloor(core cpufreq.CoreID, floor cpufreq.Frequency) error {
	args := m.Called(core, floor)
	return args.Error(0)
}
