package boost_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/boost"
	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/errors"
	"codeberg.org/mutker/cpuboostd/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	baseFloor   = cpufreq.Frequency(300000)
	baseCeiling = cpufreq.Frequency(1512000)

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() boost.Config {
	cfg := boost.DefaultConfig()
	cfg.RetryBackoff = 0

	return cfg
}

func newController(t *testing.T, store cpufreq.PolicyStore, enabled bool) (*boost.Controller, *boost.Machine) {
	t.Helper()

	gate := boost.NewGate(enabled)
	m, err := boost.NewMachine(store, gate, testConfig(), nil, logger.New("boost"))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Close(ctx)
	})

	return boost.NewController(m, gate, boost.ActivityParams{}, logger.New("boost")), m
}

func TestNewMachineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PolicyRetries = 0

	_, err := boost.NewMachine(newFakeStore(1, baseFloor, baseCeiling), boost.NewGate(true), cfg, nil, logger.New("boost"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, boost.ErrInvalidConfig))

	cfg = testConfig()
	cfg.BoostMargin = cfg.MinCeilingThreshold + 1
	_, err = boost.NewMachine(newFakeStore(1, baseFloor, baseCeiling), boost.NewGate(true), cfg, nil, logger.New("boost"))
	assert.Error(t, err)
}

func TestTimedBoostRestoresAfterDuration(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	start := time.Now()
	require.True(t, ctrl.BoostTimeout(800, 200))

	require.Eventually(t, func() bool {
		return store.floorsAre(800000, 0, 1)
	}, waitFor, tick, "floor should be raised to 800000 kHz")

	st := ctrl.Status()
	assert.True(t, st.Active)
	assert.Equal(t, boost.ModeTimed, st.Mode)
	assert.Equal(t, boost.SourceTimed, st.Source)
	assert.Equal(t, baseFloor, st.Snapshot[0])

	require.Eventually(t, func() bool {
		return store.floorsAre(baseFloor, 0, 1)
	}, waitFor, tick, "floor should be restored")
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	assert.Equal(t, []cpufreq.Frequency{800000, baseFloor}, store.writesFor(0))
	assert.Eventually(t, func() bool { return !ctrl.Status().Boosted() }, waitFor, tick)
}

func TestSignalBoostLastsUntilUnboost(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.Boost(900))
	require.Eventually(t, func() bool {
		return store.floorsAre(900000, 0, 1)
	}, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, store.floorsAre(900000, 0, 1), "signal boost must not expire on its own")
	assert.Equal(t, boost.ModeSignal, ctrl.Status().Mode)

	require.True(t, ctrl.Unboost())
	assert.False(t, ctrl.Unboost(), "second unboost has nothing to release")

	require.Eventually(t, func() bool {
		return store.floorsAre(baseFloor, 0, 1)
	}, waitFor, tick)
	assert.Equal(t, []cpufreq.Frequency{900000, baseFloor}, store.writesFor(1))
}

func TestUnboostWithoutSignalCycle(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	assert.False(t, ctrl.Unboost())

	require.True(t, ctrl.BoostTimeout(800, 100))
	assert.False(t, ctrl.Unboost(), "timed cycles ignore unboost")
}

func TestPreemptionKeepsOriginalSnapshot(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.Boost(900))
	require.Eventually(t, func() bool {
		return store.floorsAre(900000, 0, 1)
	}, waitFor, tick)

	require.True(t, ctrl.BoostTimeout(1000, 300))
	require.Eventually(t, func() bool {
		return store.floorsAre(1000000, 0, 1)
	}, waitFor, tick)

	st := ctrl.Status()
	assert.Equal(t, baseFloor, st.Snapshot[0], "snapshot must predate the chain")
	assert.Equal(t, baseFloor, st.Snapshot[1])

	require.Eventually(t, func() bool {
		return store.floorsAre(baseFloor, 0, 1)
	}, waitFor, tick)

	// The preempted cycle never restored: one apply per cycle, one restore.
	assert.Equal(t, []cpufreq.Frequency{900000, 1000000, baseFloor}, store.writesFor(0))
	assert.False(t, ctrl.Unboost(), "preempted signal cycle is gone")
}

func TestTimedPreemptionDiscardsEarlierExpiry(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	start := time.Now()
	require.True(t, ctrl.BoostTimeout(800, 50))
	require.True(t, ctrl.BoostTimeout(900, 400))

	require.Eventually(t, func() bool {
		return store.floorsAre(900000, 0, 1)
	}, waitFor, tick)

	time.Sleep(150*time.Millisecond - time.Since(start))
	assert.True(t, store.floorsAre(900000, 0, 1), "the first cycle's 50ms expiry must not restore")
	assert.Equal(t, baseFloor, ctrl.Status().Snapshot[0])

	require.Eventually(t, func() bool {
		return store.floorsAre(baseFloor, 0, 1)
	}, waitFor, tick)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)

	writes := store.writesFor(0)
	require.NotEmpty(t, writes)
	assert.Equal(t, baseFloor, writes[len(writes)-1])
	assert.Equal(t, 1, countFloor(writes, baseFloor), "one restore per chain")
}

func TestBackToBackTimedBoostsKeepFloorRaised(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.BoostTimeout(800, 5000))
	require.True(t, ctrl.BoostTimeout(900, 5000))

	require.Eventually(t, func() bool {
		return store.floorsAre(900000, 0, 1)
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, store.floorsAre(900000, 0, 1))
	assert.True(t, ctrl.Status().Active)
	assert.NotContains(t, store.writesFor(0), baseFloor, "nothing restored mid-chain")
}

func TestOutOfRangeFrequencyIsDropped(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	assert.False(t, ctrl.BoostTimeout(cpufreq.MaxMHz+1, 100))
	assert.False(t, ctrl.Boost(4294968))

	ctrl.SetActivityParams(boost.ActivityParams{FrequencyMHz: 4294968, DurationMs: 100})
	ctrl.OnActivity()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.writeCount())
	assert.Zero(t, ctrl.Status().Cycle)
}

func countFloor(writes []cpufreq.Frequency, f cpufreq.Frequency) int {
	n := 0
	for _, w := range writes {
		if w == f {
			n++
		}
	}

	return n
}

func TestPreemptedSignalCycleDoesNotStallWorker(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.Boost(900))
	require.Eventually(t, func() bool { return store.floor(0) == 900000 }, waitFor, tick)

	require.True(t, ctrl.Boost(1100))
	require.Eventually(t, func() bool { return store.floor(0) == 1100000 }, waitFor, tick)

	require.True(t, ctrl.Unboost())
	require.Eventually(t, func() bool { return store.floor(0) == baseFloor }, waitFor, tick)
	assert.Equal(t, []cpufreq.Frequency{900000, 1100000, baseFloor}, store.writesFor(0))
}

func TestDisabledGateDropsEverything(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, false)

	assert.False(t, ctrl.BoostTimeout(800, 200))
	assert.False(t, ctrl.Boost(900))
	assert.False(t, ctrl.Unboost())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.writeCount())

	st := ctrl.Status()
	assert.False(t, st.Enabled)
	assert.False(t, st.Boosted())
	assert.Zero(t, st.Cycle)
}

func TestDisableLeavesRunningCycle(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.BoostTimeout(800, 100))
	require.Eventually(t, func() bool { return store.floor(0) == 800000 }, waitFor, tick)

	ctrl.Shutdown()
	assert.False(t, ctrl.IsEnabled())
	assert.False(t, ctrl.BoostTimeout(1000, 100))

	require.Eventually(t, func() bool { return store.floor(0) == baseFloor }, waitFor, tick,
		"the cycle started before disabling still expires and restores")

	ctrl.Startup()
	assert.True(t, ctrl.IsEnabled())
}

func TestZeroParametersAreDropped(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	assert.False(t, ctrl.BoostTimeout(0, 100))
	assert.False(t, ctrl.BoostTimeout(800, 0))
	assert.False(t, ctrl.Boost(0))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.writeCount())
}

func TestLowCeilingAbortsPerCore(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	store.setCeiling(0, 400000)
	store.setCeiling(1, 500000)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.BoostTimeout(600, 100))
	require.Eventually(t, func() bool { return store.floor(1) == 392000 }, waitFor, tick)
	assert.Equal(t, baseFloor, store.floor(0), "core below the threshold is untouched")

	require.Eventually(t, func() bool { return store.floor(1) == baseFloor }, waitFor, tick)

	// Restore puts back the snapshot for every captured core, including the
	// aborted one, whose floor was never changed.
	assert.Equal(t, []cpufreq.Frequency{baseFloor}, store.writesFor(0))
}

func TestAllCoresAbortEndsCycle(t *testing.T) {
	store := newFakeStore(2, baseFloor, 400000)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.BoostTimeout(600, 1000))

	require.Eventually(t, func() bool {
		st := ctrl.Status()
		return st.Cycle == 0 && !st.Pending
	}, waitFor, tick)
	assert.False(t, ctrl.Status().Boosted())
	assert.Zero(t, store.writeCount())
}

func TestAbortAfterPreemptionRestores(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.Boost(900))
	require.Eventually(t, func() bool { return store.floor(0) == 900000 }, waitFor, tick)

	// The ceiling drops while boosted, so the preempting cycle aborts and
	// the chain must not leave 900000 behind.
	store.setCeiling(0, 400000)
	require.True(t, ctrl.BoostTimeout(600, 1000))

	require.Eventually(t, func() bool { return store.floor(0) == baseFloor }, waitFor, tick)
	assert.Eventually(t, func() bool { return !ctrl.Status().Boosted() }, waitFor, tick)
}

func TestUnavailableCoreIsSkipped(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	store.setUnavailable(1, -1)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.BoostTimeout(800, 50))
	require.Eventually(t, func() bool { return store.floor(0) == 800000 }, waitFor, tick)

	_, captured := ctrl.Status().Snapshot[1]
	assert.False(t, captured)

	require.Eventually(t, func() bool { return store.floor(0) == baseFloor }, waitFor, tick)
	assert.Empty(t, store.writesFor(1))
}

func TestTransientUnavailabilityIsRetried(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	store.setUnavailable(0, 2)
	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.BoostTimeout(800, 50))
	require.Eventually(t, func() bool { return store.floor(0) == 800000 }, waitFor, tick)
	require.Eventually(t, func() bool { return store.floor(0) == baseFloor }, waitFor, tick)
}

func TestRetriesAreBounded(t *testing.T) {
	store := &mockStore{}
	store.On("OnlineCores").Return([]cpufreq.CoreID{0})
	store.On("Policy", cpufreq.CoreID(0)).
		Return(cpufreq.Policy{}, errors.New().New(cpufreq.ErrPolicyUnavailable))

	ctrl, _ := newController(t, store, true)

	require.True(t, ctrl.BoostTimeout(800, 100))
	require.Eventually(t, func() bool {
		return ctrl.Status().Cycle == 0
	}, waitFor, tick)

	store.AssertNumberOfCalls(t, "Policy", boost.DefaultConfig().PolicyRetries)
	store.AssertNotCalled(t, "SetFloor", mock.Anything, mock.Anything)
}

func TestCloseRestoresBoostedFloor(t *testing.T) {
	store := newFakeStore(2, baseFloor, baseCeiling)
	ctrl, m := newController(t, store, true)

	require.True(t, ctrl.Boost(900))
	require.Eventually(t, func() bool { return store.floorsAre(900000, 0, 1) }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	assert.True(t, store.floorsAre(baseFloor, 0, 1))
	assert.False(t, ctrl.Boost(900), "closed machine drops requests")
	assert.NoError(t, m.Close(ctx), "close is idempotent")
}

func TestActivityUsesConfiguredBoost(t *testing.T) {
	store := newFakeStore(1, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	ctrl.OnActivity()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.writeCount(), "activity boost is off until configured")

	ctrl.SetActivityParams(boost.ActivityParams{FrequencyMHz: 700, DurationMs: 60})
	assert.Equal(t, uint32(700), ctrl.ActivityParams().FrequencyMHz)

	ctrl.OnActivity()
	require.Eventually(t, func() bool { return store.floor(0) == 700000 }, waitFor, tick)
	assert.Equal(t, boost.SourceActivity, ctrl.Status().Source)

	require.Eventually(t, func() bool { return store.floor(0) == baseFloor }, waitFor, tick)
}

func TestConcurrentRequestsKeepOneCycle(t *testing.T) {
	store := newFakeStore(4, baseFloor, baseCeiling)
	ctrl, _ := newController(t, store, true)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				ctrl.Boost(uint32(700 + i))
			case 1:
				ctrl.Unboost()
			default:
				ctrl.BoostTimeout(uint32(700+i), 20)
			}
		}(i)
	}
	wg.Wait()

	// A trailing timed request guarantees the chain ends by itself.
	require.True(t, ctrl.BoostTimeout(800, 20))

	require.Eventually(t, func() bool {
		return !ctrl.Status().Boosted() && store.floorsAre(baseFloor, 0, 1, 2, 3)
	}, waitFor, tick)

	for core := cpufreq.CoreID(0); core < 4; core++ {
		writes := store.writesFor(core)
		require.NotEmpty(t, writes)
		assert.Equal(t, baseFloor, writes[len(writes)-1])
	}
}
