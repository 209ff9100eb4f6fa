package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInitLogger_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	logger, closer, err := InitLogger(dir, "info")
	require.NoError(t, err)

	logger.Info("hello", "component", "test")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "messenger.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestInitDB_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "messenger.db")

	db, err := InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestInitTelemetry(t *testing.T) {
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), t.TempDir(), "test")
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, tracer)
	assert.NotNil(t, meter)
}
