package history

import (
	"time"

	"codeberg.org/mutker/cpuboostd/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm       = 0o755
	defaultDBPath        = "/var/lib/cpuboostd/history.db"
	defaultBackupDir     = "/var/lib/cpuboostd/backups"
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
)

type Config struct {
	DBPath        string
	BackupDir     string
	BatchSize     int
	FlushInterval time.Duration
	Enabled       bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		BackupDir:     defaultBackupDir,
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
		Enabled:       false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate paths if history is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize <= 0 || c.FlushInterval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BatchSize     int
			FlushInterval time.Duration
		}{
			BatchSize:     c.BatchSize,
			FlushInterval: c.FlushInterval,
		})
	}

	return nil
}
