package prefork

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerStderr(t *testing.T) {
	t.Setenv("JOURNAL_STREAM", "")
	var buf bytes.Buffer
	lg, file, err := NewLogger(LogConfig{Level: "warn", Format: "logfmt"}, &buf)
	require.NoError(t, err)
	require.Nil(t, file)

	lg.Info("hidden")
	lg.Warn("shown", "k", "v")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "msg=shown")
	require.Contains(t, out, "k=v")
}

func TestNewLoggerFileReopen(t *testing.T) {
	dir := tmpDir(t)
	path := filepath.Join(dir, "prefork.log")
	lg, file, err := NewLogger(LogConfig{Level: "info", Format: "json", File: path}, os.Stderr)
	require.NoError(t, err)
	require.NotNil(t, file)
	defer file.Close()
	require.Equal(t, path, file.Path())

	lg.Info("before")
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, file.Reopen())
	lg.Info("after")

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	current, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(rotated), `"msg":"before"`)
	require.Contains(t, string(current), `"msg":"after"`)
	require.False(t, strings.Contains(string(current), "before"))
}

func TestNewLoggerBadLevel(t *testing.T) {
	_, _, err := NewLogger(LogConfig{Level: "loud"}, os.Stderr)
	require.Error(t, err)
}

func TestJournalMapping(t *testing.T) {
	require.Equal(t, journal.PriErr, journalPriority(log15.LvlError))
	require.Equal(t, journal.PriDebug, journalPriority(log15.LvlDebug))
	require.Equal(t, "WORKER_PID", journalField("worker-pid"))
}
