package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Session tracks one copy+upload cycle. At most one exists at a time,
// enforced by the lock file so a second process invocation (e.g. a manual
// debug run) cannot start a transfer while one is active.
type Session struct {
	SourceDevice string    `json:"source_device"`
	StagingPath  string    `json:"staging_path"`
	StartedAt    time.Time `json:"started_at"`
	BytesCopied  int64     `json:"bytes_copied"`
	FilesCopied  int       `json:"files_copied"`
	Verified     bool      `json:"verified"`
}

const lockFileName = ".transfer.lock"

// Lock is a held session lock.
type Lock struct {
	path string
}

// TryLock acquires the session lock non-blockingly. If the lock is
// already held it returns ErrSessionActive; the caller skips the action
// for this tick and logs, it never waits.
func TryLock(stagingPath string) (*Lock, error) {
	if err := os.MkdirAll(stagingPath, 0755); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create staging dir %s", stagingPath)
	}

	path := filepath.Join(stagingPath, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, pkgerrors.Wrapf(ErrSessionActive, "lock file %s exists", path)
		}
		return nil, pkgerrors.Wrapf(err, "failed to create lock file %s", path)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		logrus.Warnf("failed to close lock file %s: %v", path, err)
	}

	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logrus.Errorf("failed to remove lock file %s: %v", l.path, err)
	}
}
