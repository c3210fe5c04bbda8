package prefork

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(tmpDir(t), "run", "test.pid")
	pf := NewPidFile(l, path)

	require.NoError(t, pf.Write(4321))
	pid, err := pf.Read()
	require.NoError(t, err)
	require.Equal(t, 4321, pid)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "4321\n", string(data))

	require.NoError(t, pf.Remove())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	// removing twice is fine
	require.NoError(t, pf.Remove())
}

func TestPidFileInvalid(t *testing.T) {
	dir := tmpDir(t)
	for _, content := range []string{"", "0", "0\n", "-12", "abc", "12abc"} {
		path := filepath.Join(dir, "bad.pid")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		_, err := readPid(path)
		require.Error(t, err, "content %q", content)
		require.Equal(t, ErrInvalidPid, errors.Cause(err), "content %q", content)
	}

	path := filepath.Join(dir, "ok.pid")
	require.NoError(t, os.WriteFile(path, []byte("  77 \n"), 0644))
	pid, err := readPid(path)
	require.NoError(t, err)
	require.Equal(t, 77, pid)
}

func TestPidFileLocked(t *testing.T) {
	path := filepath.Join(tmpDir(t), "test.pid")
	first := NewPidFile(l, path)
	second := NewPidFile(l, path)

	require.NoError(t, first.Write(1))
	err := second.Write(2)
	require.Equal(t, ErrAlreadyRunning, errors.Cause(err))

	pid, err := first.Read()
	require.NoError(t, err)
	require.Equal(t, 1, pid)

	require.NoError(t, first.Remove())
	require.NoError(t, second.Write(2))
	require.NoError(t, second.Remove())
}

func TestPidFileRenameRestore(t *testing.T) {
	path := filepath.Join(tmpDir(t), "test.pid")
	pf := NewPidFile(l, path)
	require.NoError(t, pf.Write(10))

	require.NoError(t, pf.RenameToOld())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	pid, err := readPid(pf.OldPath())
	require.NoError(t, err)
	require.Equal(t, 10, pid)

	// a replacement binary writes its own pid file at the original path
	next := NewPidFile(l, path)
	require.NoError(t, next.Write(11))

	require.NoError(t, pf.RestoreFromOld())
	require.NoError(t, pf.RestoreFromOld())
	pid, err = pf.Read()
	require.NoError(t, err)
	require.Equal(t, 10, pid)
	_, err = os.Stat(pf.OldPath())
	require.True(t, os.IsNotExist(err))
	require.NoError(t, pf.Remove())
}
