package activity

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dev   string
	sysfs string
	cfg   Config
	count atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	f := &fixture{
		dev:   filepath.Join(root, "input"),
		sysfs: filepath.Join(root, "class"),
	}
	require.NoError(t, os.MkdirAll(f.dev, 0o755))
	require.NoError(t, os.MkdirAll(f.sysfs, 0o755))

	f.cfg = Config{
		Patterns:  []string{filepath.Join(f.dev, "event*")},
		SysfsRoot: f.sysfs,
	}

	return f
}

func (f *fixture) addDevice(t *testing.T, node, name string, frames int) {
	t.Helper()

	if name != "" {
		dir := filepath.Join(f.sysfs, node, "device")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
	}

	var data []byte
	for i := 0; i < frames; i++ {
		data = append(data, encodeEvents(absX, absY, report)...)
	}

	// Written elsewhere and moved in, so the node appears complete.
	tmp := filepath.Join(filepath.Dir(f.dev), node+".tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(f.dev, node)))
}

func (f *fixture) start(t *testing.T) (*Watcher, context.CancelFunc, <-chan error) {
	t.Helper()

	w, err := NewWatcher(f.cfg, NotifierFunc(func() { f.count.Add(1) }), logger.New("activity"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	t.Cleanup(cancel)

	return w, cancel, done
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Patterns: []string{"/dev/input/event["}}.Validate())
}

func TestWatcherReadsPresentDevices(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "event0", "ELAN Touchscreen", 3)
	f.addDevice(t, "event1", "Power Button", 5)
	f.cfg.Names = []string{"touch"}

	_, cancel, done := f.start(t)

	require.Eventually(t, func() bool { return f.count.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), f.count.Load(), "filtered device must not count")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherAttachesHotpluggedDevice(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// Give the watcher time to register its directory watch.
	time.Sleep(50 * time.Millisecond)
	f.addDevice(t, "event4", "", 2)

	require.Eventually(t, func() bool { return f.count.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatcherIgnoresUnmatchedFiles(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	time.Sleep(50 * time.Millisecond)
	f.addDevice(t, "mouse0", "", 4)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.count.Load())
}

func TestAcceptMatchesNameSubstring(t *testing.T) {
	w := &Watcher{cfg: Config{Names: []string{"Touch", "synaptics"}}}

	assert.True(t, w.accept("ELAN touchscreen"))
	assert.True(t, w.accept("SynPS/2 Synaptics TouchPad"))
	assert.False(t, w.accept("Power Button"))
	assert.False(t, w.accept(""))

	w.cfg.Names = nil
	assert.True(t, w.accept(""))
}
