package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath = "/etc/cpuboostd.toml"
	DefaultEnvPrefix  = "CPUBOOSTD"
	DefaultLogLevel   = "info"

	defaultSysfsRoot           = "/sys/devices/system/cpu"
	defaultActivityDevice      = "/dev/input/event*"
	defaultMinCeilingThreshold = 486000
	defaultBoostMargin         = 108000
	defaultPolicyRetries       = 4
	defaultRetryBackoff        = 2 * time.Millisecond
	defaultControlSocket       = "/run/cpuboostd.sock"
	defaultHistoryDB           = "/var/lib/cpuboostd/history.db"
	defaultPidFile             = "/run/cpuboostd.pid"
)

type Config struct {
	LogLevel                string        `mapstructure:"log_level"`
	Enabled                 bool          `mapstructure:"enabled"`
	CoreCount               int           `mapstructure:"core_count"`
	SysfsRoot               string        `mapstructure:"sysfs_root"`
	ActivityBoostFrequency  uint32        `mapstructure:"activity_boost_frequency"`
	ActivityBoostDurationMs uint32        `mapstructure:"activity_boost_duration_ms"`
	ActivityDevices         []string      `mapstructure:"activity_devices"`
	ActivityDeviceNames     []string      `mapstructure:"activity_device_names"`
	MinCeilingThreshold     uint32        `mapstructure:"min_ceiling_threshold"`
	BoostMargin             uint32        `mapstructure:"boost_margin"`
	PolicyRetries           int           `mapstructure:"policy_retries"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
	ControlSocket           string        `mapstructure:"control_socket"`
	History                 bool          `mapstructure:"history"`
	HistoryDB               string        `mapstructure:"history_db"`
	PidFile                 string        `mapstructure:"pid_file"`

	v    *viper.Viper
	file string
}

var _ Provider = (*Config)(nil)

var _ Watcher = (*Config)(nil)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("enabled", true)
	v.SetDefault("core_count", 0)
	v.SetDefault("sysfs_root", defaultSysfsRoot)
	v.SetDefault("activity_boost_frequency", 0)
	v.SetDefault("activity_boost_duration_ms", 0)
	v.SetDefault("activity_devices", []string{defaultActivityDevice})
	v.SetDefault("activity_device_names", []string{})
	v.SetDefault("min_ceiling_threshold", defaultMinCeilingThreshold)
	v.SetDefault("boost_margin", defaultBoostMargin)
	v.SetDefault("policy_retries", defaultPolicyRetries)
	v.SetDefault("retry_backoff", defaultRetryBackoff)
	v.SetDefault("control_socket", defaultControlSocket)
	v.SetDefault("history", false)
	v.SetDefault("history_db", defaultHistoryDB)
	v.SetDefault("pid_file", defaultPidFile)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("cpuboostd", pflag.ContinueOnError)

	fs.String("config", "", "Path to the TOML config file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("enabled", true, "Start with boosting enabled")
	fs.Int("core-count", 0, "Number of cores to manage (0 = detect)")
	fs.String("sysfs-root", defaultSysfsRoot, "cpufreq sysfs root")
	fs.Uint32("activity-boost-frequency", 0, "Floor in MHz applied on input activity (0 = off)")
	fs.Uint32("activity-boost-duration-ms", 0, "Duration of the activity boost in milliseconds (0 = off)")
	fs.StringSlice("activity-devices", []string{defaultActivityDevice}, "Glob patterns of input event devices")
	fs.StringSlice("activity-device-names", nil, "Only listen to devices whose name contains one of these")
	fs.Uint32("min-ceiling-threshold", defaultMinCeilingThreshold, "Ceilings at or below this kHz value are never boosted")
	fs.Uint32("boost-margin", defaultBoostMargin, "kHz kept below the ceiling when a target reaches it")
	fs.Int("policy-retries", defaultPolicyRetries, "Attempts to resolve an unavailable policy")
	fs.Duration("retry-backoff", defaultRetryBackoff, "Base backoff between policy attempts")
	fs.String("control-socket", defaultControlSocket, "Control socket path (empty to disable)")
	fs.Bool("history", false, "Record boost history")
	fs.String("history-db", defaultHistoryDB, "Path to the history database")
	fs.String("pid-file", defaultPidFile, "Path to the pid file")

	return fs
}

// Load reads the configuration from defaults, the TOML file, the environment
// and command line flags, in increasing order of precedence.
func Load(_ context.Context, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		envPrefix: DefaultEnvPrefix,
		args:      os.Args[1:],
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrParseFlags, err)
	}

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, bindErr)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.AutomaticEnv()

	path, err := resolvePath(o, fs)
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.WithData(errors.ErrReadConfig, struct {
				Path  string
				Error string
			}{
				Path:  path,
				Error: err.Error(),
			})
		}
	}

	return decode(v, path)
}

// resolvePath picks the config file: the explicit option, then --config,
// then <PREFIX>_CONFIG, then the default path if it exists.
func resolvePath(o options, fs *pflag.FlagSet) (string, error) {
	path := o.configPath
	if path == "" {
		path, _ = fs.GetString("config")
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", errors.New().Wrap(errors.ErrMissingConfig, err)
		}
		return filepath.Clean(path), nil
	}

	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath, nil
	}

	return "", nil
}

func decode(v *viper.Viper, path string) (*Config, error) {
	errFactory := errors.New()

	cfg := &Config{v: v, file: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Watch reloads the configuration whenever its file changes. It fails when
// no config file was loaded.
func (c *Config) Watch(ctx context.Context, callback func(Provider, error)) error {
	if c.v == nil || c.file == "" {
		return errors.New().WithMessage(errors.ErrMissingConfig, "no config file to watch")
	}

	c.v.OnConfigChange(func(_ fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}

		next, err := decode(c.v, c.file)
		if err != nil {
			callback(nil, err)
			return
		}
		callback(next, nil)
	})
	c.v.WatchConfig()

	return nil
}

// File returns the config file in use, or "" when running on defaults.
func (c *Config) File() string {
	return c.file
}

type fieldError struct {
	field  string
	value  interface{}
	reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.field, e.reason, e.value)
}

func (e *fieldError) Field() string      { return e.field }
func (e *fieldError) Value() interface{} { return e.value }
func (e *fieldError) Reason() string     { return e.reason }

// Validate reports the first invalid field, if any.
func (c *Config) Validate() error {
	if errs := c.validate(); len(errs) > 0 {
		return errors.New().Wrap(errors.ErrInvalidConfig, errs[0])
	}

	return nil
}

// Status reports every invalid field.
func (c *Config) Status() Status {
	errs := c.validate()

	return Status{
		Valid:            len(errs) == 0,
		ValidationErrors: errs,
	}
}

func (c *Config) validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value interface{}, reason string) {
		errs = append(errs, &fieldError{field: field, value: value, reason: reason})
	}

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		add("log_level", c.LogLevel, "must be one of debug, info, warning, error")
	}
	if c.CoreCount < 0 {
		add("core_count", c.CoreCount, "must not be negative")
	}
	if c.SysfsRoot == "" {
		add("sysfs_root", c.SysfsRoot, "must not be empty")
	}
	if c.BoostMargin > c.MinCeilingThreshold {
		add("boost_margin", c.BoostMargin, "must not exceed min_ceiling_threshold")
	}
	if c.PolicyRetries < 1 {
		add("policy_retries", c.PolicyRetries, "must be at least 1")
	}
	if c.RetryBackoff < 0 {
		add("retry_backoff", c.RetryBackoff, "must not be negative")
	}
	for _, p := range c.ActivityDevices {
		if _, err := filepath.Match(p, ""); err != nil {
			add("activity_devices", p, "malformed glob pattern")
		}
	}
	if c.History && c.HistoryDB == "" {
		add("history_db", c.HistoryDB, "required when history is enabled")
	}

	return errs
}

func (c *Config) GetLogLevel() string { return c.LogLevel }

func (c *Config) IsEnabled() bool { return c.Enabled }

func (c *Config) GetCoreCount() int { return c.CoreCount }

func (c *Config) GetSysfsRoot() string { return c.SysfsRoot }

func (c *Config) GetActivityBoost() (uint32, uint32) {
	return c.ActivityBoostFrequency, c.ActivityBoostDurationMs
}

func (c *Config) GetActivityDevices() ([]string, []string) {
	return c.ActivityDevices, c.ActivityDeviceNames
}

func (c *Config) GetMinCeilingThreshold() uint32 { return c.MinCeilingThreshold }

func (c *Config) GetBoostMargin() uint32 { return c.BoostMargin }

func (c *Config) GetPolicyRetries() int { return c.PolicyRetries }

func (c *Config) GetRetryBackoff() time.Duration { return c.RetryBackoff }

func (c *Config) GetControlSocket() string { return c.ControlSocket }

func (c *Config) IsHistoryEnabled() bool { return c.History }

func (c *Config) GetHistoryDBPath() string { return c.HistoryDB }

func (c *Config) GetPidFile() string { return c.PidFile }
