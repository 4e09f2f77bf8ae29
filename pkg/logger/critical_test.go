package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriticalLogAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "critical.log")
	cl, err := OpenCriticalLog(path)
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, cl.Append("chain", 7, "snapshot persistence failed: %s", "disk full"))
	require.NoError(t, cl.Append("producer", 0, "round skipped"))

	entries, err := cl.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "chain", entries[0].Component)
	assert.Equal(t, uint64(7), entries[0].Height)
	assert.Contains(t, entries[0].Message, "disk full")
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "producer", entries[1].Component)
}

func TestCriticalLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "critical.log")

	cl, err := OpenCriticalLog(path)
	require.NoError(t, err)
	require.NoError(t, cl.Append("chain", 1, "first"))
	require.NoError(t, cl.Close())

	reopened, err := OpenCriticalLog(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Append("chain", 2, "second"))

	entries, err := reopened.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2, "the log is append-only across restarts")
}

func TestLoggerLevels(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "FATAL", FATAL.String())
}
