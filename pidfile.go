package prefork

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/rkt/rkt/pkg/lock"
)

// oldPidSuffix is appended to the pid file path while a replacement binary
// is being started.
const oldPidSuffix = ".oldbin"

// PidFile is the plain-text pid file of a master or single process.
// Writing it takes an exclusive lock, so that only one master runs per pid
// file. The lock follows the file through RenameToOld, which lets the
// replacement binary write a fresh file at the same path.
type PidFile struct {
	Path string

	lock *lock.FileLock
	l    log15.Logger
}

func NewPidFile(l log15.Logger, path string) *PidFile {
	return &PidFile{Path: path, l: l.New("pidFile", path)}
}

// OldPath is where the pid file lives during a binary change.
func (p *PidFile) OldPath() string {
	return p.Path + oldPidSuffix
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Write locks the pid file and stores pid in it. It returns
// ErrAlreadyRunning if another live process holds the lock.
func (p *PidFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0755); err != nil {
		return errors.Wrapf(err, "can't create directory for %s", p.Path)
	}
	if err := touchFile(p.Path); err != nil {
		return errors.Wrapf(err, "can't create %s", p.Path)
	}
	if p.lock == nil {
		lk, err := lock.TryExclusiveLock(p.Path, lock.RegFile)
		if err == lock.ErrLocked {
			return errors.Wrap(ErrAlreadyRunning, p.Path)
		}
		if err != nil {
			return errors.Wrapf(err, "can't lock %s", p.Path)
		}
		p.lock = lk
	}
	p.l.Debug("writing pid", "pid", pid)
	if err := os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return errors.Wrapf(err, "can't write %s", p.Path)
	}
	return nil
}

// Read returns the pid stored in the file at path.
func (p *PidFile) Read() (int, error) {
	return readPid(p.Path)
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "can't read pid file %s", path)
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, errors.Wrapf(ErrInvalidPid, "%q in %s", s, path)
	}
	return pid, nil
}

// Remove deletes the pid file and releases the lock.
func (p *PidFile) Remove() error {
	return p.removePath(p.Path)
}

// RemoveOld deletes the renamed pid file once the replacement binary has
// taken over, and releases the lock.
func (p *PidFile) RemoveOld() error {
	return p.removePath(p.OldPath())
}

func (p *PidFile) removePath(path string) error {
	p.l.Debug("removing pid file", "path", path)
	err := os.Remove(path)
	p.unlock()
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "can't remove %s", path)
	}
	return nil
}

func (p *PidFile) unlock() {
	if p.lock == nil {
		return
	}
	if err := p.lock.Close(); err != nil {
		p.l.Warn("error releasing pid file lock", "err", err)
	}
	p.lock = nil
}

// RenameToOld moves the pid file aside before a replacement binary starts.
func (p *PidFile) RenameToOld() error {
	if err := os.Rename(p.Path, p.OldPath()); err != nil {
		return errors.Wrapf(err, "can't rename %s to %s", p.Path, p.OldPath())
	}
	return nil
}

// RestoreFromOld moves the pid file back after the replacement binary failed
// to start or exited. Restoring when no renamed file exists is a no-op.
func (p *PidFile) RestoreFromOld() error {
	if _, err := os.Stat(p.OldPath()); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(p.OldPath(), p.Path); err != nil {
		return errors.Wrapf(err, "can't rename %s to %s", p.OldPath(), p.Path)
	}
	return nil
}
