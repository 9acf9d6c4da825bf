package history_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/history"
	"codeberg.org/mutker/cpuboostd/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) history.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := history.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(dir, "history.db")
	cfg.BackupDir = filepath.Join(dir, "backups")
	cfg.BatchSize = 4
	cfg.FlushInterval = time.Hour

	return cfg
}

func event(cycle uint64, kind history.Kind, core int) *history.Event {
	return &history.Event{
		Timestamp:  time.UnixMilli(1700000000000),
		Cycle:      cycle,
		Kind:       kind,
		Source:     "timed",
		Core:       core,
		Target:     800000,
		Floor:      800000,
		Ceiling:    1512000,
		DurationMs: 200,
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, history.DefaultConfig().Validate(), "disabled config is always valid")

	cfg := history.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history_invalid_db_path")

	cfg.DBPath = "/tmp/x.db"
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestNewServiceDisabledIsNoop(t *testing.T) {
	c, err := history.NewService(history.DefaultConfig(), logger.New("test"))
	require.NoError(t, err)

	require.NoError(t, c.Record(context.Background(), event(1, history.KindApply, 0)))
	require.NoError(t, c.Close())
}

func TestServiceRejectsInvalidEvent(t *testing.T) {
	c, err := history.NewService(testConfig(t), logger.New("test"))
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.Record(context.Background(), nil))
	assert.Error(t, c.Record(context.Background(), &history.Event{Kind: "bogus"}))
}

func TestServiceRecordsAndFlushesOnClose(t *testing.T) {
	cfg := testConfig(t)

	c, err := history.NewService(cfg, logger.New("test"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Record(ctx, event(1, history.KindApply, 0)))
	require.NoError(t, c.Record(ctx, event(1, history.KindApply, 1)))
	require.NoError(t, c.Record(ctx, event(1, history.KindRestore, 0)))
	require.NoError(t, c.Close())

	assert.Error(t, c.Record(ctx, event(2, history.KindApply, 0)), "closed service must refuse events")

	repo, err := history.NewRepository(cfg, logger.New("test"))
	require.NoError(t, err)
	defer repo.Close()

	events, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, history.KindRestore, events[0].Kind)
	assert.Equal(t, uint64(1), events[0].Cycle)
	assert.Equal(t, uint32(800000), events[2].Floor)
	assert.Equal(t, int64(200), events[2].DurationMs)
	assert.Equal(t, time.UnixMilli(1700000000000), events[2].Timestamp)
}

func TestRepositoryFlushesWhenBatchFull(t *testing.T) {
	cfg := testConfig(t)

	repo, err := history.NewRepository(cfg, logger.New("test"))
	require.NoError(t, err)
	defer repo.Close()

	for i := 0; i < cfg.BatchSize; i++ {
		require.NoError(t, repo.Record(event(7, history.KindApply, i)))
	}

	require.Eventually(t, func() bool {
		events, err := repo.Recent(context.Background(), 10)
		return err == nil && len(events) == cfg.BatchSize
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchemaMismatchIsBackedUp(t *testing.T) {
	cfg := testConfig(t)

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'));`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := history.NewRepository(cfg, logger.New("test"))
	require.NoError(t, err)
	defer repo.Close()

	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "history_v99_")

	events, err := repo.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, events)
}
