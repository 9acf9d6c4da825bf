package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/activity"
	"codeberg.org/mutker/cpuboostd/internal/boost"
	"codeberg.org/mutker/cpuboostd/internal/config"
	"codeberg.org/mutker/cpuboostd/internal/control"
	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/errors"
	"codeberg.org/mutker/cpuboostd/internal/history"
	"codeberg.org/mutker/cpuboostd/internal/logger"
	"codeberg.org/mutker/cpuboostd/internal/pid"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	cfg       *config.Config
	collector history.Collector
	gate      *boost.Gate
	machine   *boost.Machine
	ctrl      *boost.Controller
	watcher   *activity.Watcher
	server    *control.Server
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Str("file", cfg.File()).Msg("Config loaded")

	if err := pid.Write(cfg.PidFile); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("Failed to write pid file")
		}
		logger.Fatal().Err(err).Msg("Failed to write pid file")
	}

	a, err := newApp(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize")
		if err := pid.Remove(cfg.PidFile); err != nil {
			logger.Error().Err(err).Msg("Failed to remove pid file")
		}
		os.Exit(1)
	}

	go handleSignals(cancel)

	if err := a.run(ctx); err != nil {
		logger.Error().Err(err).Msg("Error in main loop")
	}
	a.cleanup()
}

func newApp(cfg *config.Config) (*app, error) {
	errFactory := errors.New()

	store, err := cpufreq.NewSysfsStore(cfg.SysfsRoot, cfg.CoreCount, logger.New("cpufreq"))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	hc := history.DefaultConfig()
	hc.Enabled = cfg.History
	hc.DBPath = cfg.HistoryDB
	hc.BackupDir = ""

	collector, err := history.NewService(hc, logger.New("history"))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	bc := boost.DefaultConfig()
	bc.MinCeilingThreshold = cpufreq.Frequency(cfg.MinCeilingThreshold)
	bc.BoostMargin = cpufreq.Frequency(cfg.BoostMargin)
	bc.PolicyRetries = cfg.PolicyRetries
	bc.RetryBackoff = cfg.RetryBackoff
	bc.Enabled = cfg.Enabled
	bc.Activity = boost.ActivityParams{
		FrequencyMHz: cfg.ActivityBoostFrequency,
		DurationMs:   cfg.ActivityBoostDurationMs,
	}

	gate := boost.NewGate(bc.Enabled)

	machine, err := boost.NewMachine(store, gate, bc, collector, logger.New("boost"))
	if err != nil {
		collector.Close()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	ctrl := boost.NewController(machine, gate, bc.Activity, logger.New("boost"))

	a := &app{
		cfg:       cfg,
		collector: collector,
		gate:      gate,
		machine:   machine,
		ctrl:      ctrl,
	}

	ac := activity.DefaultConfig()
	ac.Patterns, ac.Names = cfg.GetActivityDevices()
	a.watcher, err = activity.NewWatcher(ac, ctrl, logger.New("activity"))
	if err != nil {
		a.cleanup()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	if cfg.ControlSocket != "" {
		var reader history.Reader
		if cfg.History {
			reader, _ = collector.(history.Reader)
		}

		a.server = control.NewServer(control.Config{Path: cfg.ControlSocket}, ctrl, gate, reader, logger.New("control"))
		if err := a.server.Listen(); err != nil {
			a.cleanup()
			return nil, errFactory.Wrap(errors.ErrInitApp, err)
		}
	}

	logger.Info().
		Int("cores", store.CoreCount()).
		Bool("enabled", gate.IsEnabled()).
		Uint32("activity_mhz", bc.Activity.FrequencyMHz).
		Uint32("activity_ms", bc.Activity.DurationMs).
		Msg("cpuboostd started")

	return a, nil
}

func (a *app) run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.watcher.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("Activity source stopped")
		}
	}()

	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.Serve(ctx); err != nil {
				logger.Error().Err(err).Msg("Control socket stopped")
			}
		}()
	}

	if a.cfg.File() != "" {
		if err := a.cfg.Watch(ctx, a.reload); err != nil {
			logger.Warn().Err(err).Msg("Config changes will not be picked up")
		}
	}

	<-ctx.Done()
	wg.Wait()

	return nil
}

// reload applies the settings that may change while running.
func (a *app) reload(p config.Provider, err error) {
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring invalid config change")
		return
	}

	if lvl, ok := logger.ParseLevel(p.GetLogLevel()); ok {
		logger.SetLogLevel(lvl)
	}

	mhz, ms := p.GetActivityBoost()
	next := boost.ActivityParams{FrequencyMHz: mhz, DurationMs: ms}
	if next != a.ctrl.ActivityParams() {
		a.ctrl.SetActivityParams(next)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// cleanup puts back any boosted floor and releases resources.
func (a *app) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.machine.Close(ctx); err != nil {
		logger.ErrorWithCode(errors.New().Wrap(errors.ErrRestoreFloor, err)).Msg("Failed to restore original floors")
	}

	if err := a.collector.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close boost history")
	}

	if err := pid.Remove(a.cfg.PidFile); err != nil {
		logger.Error().Err(err).Msg("Failed to remove pid file")
	}

	logger.Info().Msg("Exiting...")
}
