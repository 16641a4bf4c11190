package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dashkit/camd/pkg/execx"
)

// Mounter mounts camera block devices read-only under a base directory,
// preferring a mount the OS already made (automounters are common on
// desktop test rigs).
type Mounter struct {
	MountBase string
	Runner    execx.Runner
	Timeout   time.Duration
}

func NewMounter(mountBase string, runner execx.Runner) *Mounter {
	return &Mounter{
		MountBase: mountBase,
		Runner:    runner,
		Timeout:   30 * time.Second,
	}
}

// Mount returns a path where the device's filesystem is visible. The
// second return reports whether we performed the mount ourselves (and so
// must unmount it later).
func (m *Mounter) Mount(ctx context.Context, device string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	// An existing mount wins: never double-mount a device the OS already
	// has open.
	if out, err := m.Runner.Run(cctx, "findmnt", "-n", "-o", "TARGET", device); err == nil {
		if target := strings.TrimSpace(string(out)); target != "" {
			logrus.WithFields(logrus.Fields{
				"device": device,
				"target": target,
			}).Info("device already mounted, using existing mount")
			return target, false, nil
		}
	}

	mountPath := filepath.Join(m.MountBase, filepath.Base(device))
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return "", false, pkgerrors.Wrapf(err, "failed to create mountpoint %s", mountPath)
	}

	if _, err := m.Runner.Run(cctx, "mount", "-o", "ro", device, mountPath); err != nil {
		return "", false, pkgerrors.Wrapf(err, "failed to mount %s at %s", device, mountPath)
	}

	logrus.WithFields(logrus.Fields{
		"device": device,
		"target": mountPath,
	}).Info("device mounted read-only")
	return mountPath, true, nil
}

// Unmount detaches a mount we created.
func (m *Mounter) Unmount(ctx context.Context, mountPath string) error {
	cctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	if _, err := m.Runner.Run(cctx, "umount", mountPath); err != nil {
		return pkgerrors.Wrapf(err, "failed to unmount %s", mountPath)
	}
	return nil
}
