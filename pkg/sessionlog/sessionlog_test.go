package sessionlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.log")

	log, err := Open(path)
	require.NoError(t, err)

	r1 := Record{StartedAtMs: 1, FinishedAtMs: 2, Version: "1.0.0", TotalBytes: 100, Outcome: OutcomeConfirmed}
	r2 := Record{StartedAtMs: 3, FinishedAtMs: 4, Version: "1.0.1", TotalBytes: 200, Outcome: OutcomeFailed, Detail: "sha mismatch"}

	require.NoError(t, log.Append(r1))
	require.NoError(t, log.Append(r2))

	all, err := log.All()
	require.NoError(t, err)
	require.Equal(t, []Record{r1, r2}, all)

	last, ok, err := log.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, r2, last)
}

func TestEmptyLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.log")

	log, err := Open(path)
	require.NoError(t, err)

	all, err := log.All()
	require.NoError(t, err)
	require.Empty(t, all)

	_, ok, err := log.Last()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir-missing-ok", "sessions.log")
	_, err := Open(path)
	require.Error(t, err) // parent directory must already exist

	path = filepath.Join(dir, "sessions.log")
	_, err = Open(path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)
}
