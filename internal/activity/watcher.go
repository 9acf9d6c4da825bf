package activity

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"codeberg.org/mutker/cpuboostd/internal/errors"
	"codeberg.org/mutker/cpuboostd/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultPattern   = "/dev/input/event*"
	DefaultSysfsRoot = "/sys/class/input"

	warnPerSecond = 1
	warnPerMinute = 10
)

func DefaultConfig() Config {
	return Config{
		Patterns:  []string{DefaultPattern},
		SysfsRoot: DefaultSysfsRoot,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if len(c.Patterns) == 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "no activity device patterns")
	}
	for _, p := range c.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return errFactory.WithData(ErrInvalidConfig, struct {
				Pattern string
				Error   string
			}{
				Pattern: p,
				Error:   err.Error(),
			})
		}
	}

	return nil
}

type device struct {
	path string
	name string
	file *os.File
}

// Watcher attaches to every matching input device, including devices that
// appear later, and forwards their input frames to a Notifier.
type Watcher struct {
	cfg      Config
	notifier Notifier
	log      logger.Logger
	warn     *logger.Sampler

	mu      sync.Mutex
	devices map[string]*device
	closed  bool
	wg      sync.WaitGroup
}

func NewWatcher(cfg Config, notifier Notifier, log logger.Logger) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		warn:     logger.NewSampler(warnPerSecond, warnPerMinute),
		devices:  make(map[string]*device),
	}, nil
}

// Run attaches to the present devices and follows hotplug events until ctx
// is done. All devices are released before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	errFactory := errors.New()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(ErrWatchFailed, err)
	}
	defer fsw.Close()

	for _, dir := range w.dirs() {
		if err := fsw.Add(dir); err != nil {
			w.log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch for input hotplug")
		}
	}

	w.scan()

	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("Input hotplug watch error")
		}
	}
}

// Devices returns the paths currently attached.
func (w *Watcher) Devices() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.devices))
	for p := range w.devices {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return paths
}

func (w *Watcher) dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range w.cfg.Patterns {
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

func (w *Watcher) matches(path string) bool {
	for _, p := range w.cfg.Patterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
	}

	return false
}

func (w *Watcher) scan() {
	for _, p := range w.cfg.Patterns {
		paths, _ := filepath.Glob(p)
		for _, path := range paths {
			w.attach(path)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !w.matches(ev.Name) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		w.attach(ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.detach(ev.Name, nil)
	}
}

// deviceName reads the kernel's name for an event node, or "" if unknown.
func (w *Watcher) deviceName(path string) string {
	b, err := os.ReadFile(filepath.Join(w.cfg.SysfsRoot, filepath.Base(path), "device", "name"))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(b))
}

func (w *Watcher) accept(name string) bool {
	if len(w.cfg.Names) == 0 {
		return true
	}

	name = strings.ToLower(name)
	for _, n := range w.cfg.Names {
		if n != "" && strings.Contains(name, strings.ToLower(n)) {
			return true
		}
	}

	return false
}

func (w *Watcher) attach(path string) {
	name := w.deviceName(path)
	if !w.accept(name) {
		w.log.Debug().Str("device", path).Str("name", name).Msg("Ignoring input device")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.devices[path] != nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.warn.Warn(w.log, path).
			Err(errors.New().Wrap(ErrDeviceOpen, err)).
			Str("device", path).
			Msg("Cannot open input device")
		return
	}

	d := &device{path: path, name: name, file: f}
	w.devices[path] = d
	w.wg.Add(1)

	go w.read(d)

	w.log.Info().Str("device", path).Str("name", name).Msg("Listening for input activity")
}

func (w *Watcher) read(d *device) {
	defer w.wg.Done()

	err := readFrames(d.file, w.notifier.OnActivity)

	switch {
	case errors.Is(err, os.ErrClosed):
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ENODEV):
		w.log.Debug().Str("device", d.path).Msg("Input device gone")
	default:
		w.warn.Warn(w.log, d.path).
			Err(errors.New().Wrap(ErrDeviceRead, err)).
			Str("device", d.path).
			Msg("Input device read failed")
	}

	w.detach(d.path, d)
}

// detach releases path. When d is set only that exact attachment is removed,
// so a reader exiting late cannot drop a newer one.
func (w *Watcher) detach(path string, d *device) {
	w.mu.Lock()
	cur := w.devices[path]
	if cur == nil || (d != nil && cur != d) {
		w.mu.Unlock()
		return
	}
	delete(w.devices, path)
	w.mu.Unlock()

	cur.file.Close()
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	devices := make([]*device, 0, len(w.devices))
	for _, d := range w.devices {
		devices = append(devices, d)
	}
	w.devices = make(map[string]*device)
	w.mu.Unlock()

	for _, d := range devices {
		d.file.Close()
	}

	w.wg.Wait()
}
