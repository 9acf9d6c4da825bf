package config

import (
	"context"
	"time"
)

// Provider defines the interface for accessing configuration values
type Provider interface {
	// GetLogLevel returns the configured logging level
	GetLogLevel() string

	// IsEnabled returns whether boosting starts enabled
	IsEnabled() bool

	// GetCoreCount returns the configured core count, 0 for detection
	GetCoreCount() int

	// GetSysfsRoot returns the cpufreq sysfs root
	GetSysfsRoot() string

	// GetActivityBoost returns the activity boost frequency in MHz and its
	// duration in milliseconds
	GetActivityBoost() (uint32, uint32)

	// GetActivityDevices returns the evdev glob patterns and name filters
	GetActivityDevices() ([]string, []string)

	// GetMinCeilingThreshold returns the lowest ceiling, in kHz, that may
	// still be boosted to its margin
	GetMinCeilingThreshold() uint32

	// GetBoostMargin returns the distance in kHz kept below the ceiling
	GetBoostMargin() uint32

	// GetPolicyRetries returns the number of policy lookup attempts
	GetPolicyRetries() int

	// GetRetryBackoff returns the base backoff between attempts
	GetRetryBackoff() time.Duration

	// GetControlSocket returns the control socket path, empty to disable
	GetControlSocket() string

	// IsHistoryEnabled returns whether boost history is recorded
	IsHistoryEnabled() bool

	// GetHistoryDBPath returns the path to the history database
	GetHistoryDBPath() string

	// GetPidFile returns the pid file path
	GetPidFile() string
}

// Watcher enables live configuration updates
type Watcher interface {
	// Watch starts watching the config file for changes. The callback gets
	// the reloaded configuration, or the error that made it unusable.
	Watch(ctx context.Context, callback func(Provider, error)) error
}

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
	args       []string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "CPUBOOSTD"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithArgs replaces the command line arguments parsed for flags
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// ValidationError represents a configuration validation error
type ValidationError interface {
	error
	// Field returns the name of the invalid field
	Field() string
	// Value returns the invalid value
	Value() interface{}
	// Reason returns why the value is invalid
	Reason() string
}

// Status represents the current state of the configuration
type Status struct {
	// Valid indicates whether the current configuration is valid
	Valid bool
	// ValidationErrors contains any validation errors if Valid is false
	ValidationErrors []ValidationError
}
