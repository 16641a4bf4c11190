// Package devwait polls the OS device namespace until the camera's block
// device appears (or disappears). Detection is bounded: an explicit
// timeout, a fixed poll interval, and a stabilization check so a device
// that transiently re-enumerates while the USB bus settles is not
// reported early.
package devwait

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when no matching device appeared within the
	// timeout.
	ErrNotFound = pkgerrors.New("device not found")
	// ErrStillPresent is returned when a device node survived the removal
	// wait.
	ErrStillPresent = pkgerrors.New("device still present")
)

// Device is a detected camera block device.
type Device struct {
	// Node is the /dev path of the block device.
	Node string
	// SysfsPath is the USB topology path the device matched under, when
	// matched by vendor/product or hub location.
	SysfsPath string
}

// Matcher describes how to recognize the camera. Criteria are tried in
// order: vendor/product pair, hub location, by-id substring.
type Matcher struct {
	VendorID      string
	ProductID     string
	HubLocation   string
	ByIDSubstring string
}

// FS is the filesystem view the enumerator polls. Abstracted for tests.
type FS interface {
	Glob(pattern string) ([]string, error)
	ReadFile(path string) ([]byte, error)
	ListDir(path string) ([]string, error)
	Exists(path string) bool
	Resolve(path string) (string, error)
}

type osFS struct{}

func (osFS) Glob(pattern string) ([]string, error) { return filepath.Glob(pattern) }
func (osFS) ReadFile(path string) ([]byte, error)  { return os.ReadFile(path) }
func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
func (osFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
func (osFS) Resolve(path string) (string, error) { return filepath.EvalSymlinks(path) }

const (
	sysfsUSBDevices = "/sys/bus/usb/devices"
	devDiskByID     = "/dev/disk/by-id"
)

// Enumerator polls for devices matching a Matcher.
type Enumerator struct {
	Matcher      Matcher
	FS           FS
	PollInterval time.Duration
}

// New returns an Enumerator over the real filesystem with a 500ms poll.
func New(m Matcher) *Enumerator {
	return &Enumerator{
		Matcher:      m,
		FS:           osFS{},
		PollInterval: 500 * time.Millisecond,
	}
}

// WaitForDevice polls until a matching block device has been present for
// two consecutive polls, or the timeout elapses.
func (e *Enumerator) WaitForDevice(ctx context.Context, timeout time.Duration) (Device, error) {
	deadline := time.Now().Add(timeout)
	var candidate Device
	seen := false

	for {
		dev, ok := e.find()
		if ok {
			if seen && dev.Node == candidate.Node {
				logrus.WithField("device", dev.Node).Debug("device stable, confirmed")
				return dev, nil
			}
			// First sighting (or the node changed); require one more poll
			// before trusting it.
			candidate = dev
			seen = true
		} else {
			seen = false
		}

		if time.Now().After(deadline) {
			return Device{}, pkgerrors.Wrapf(ErrNotFound, "no device matched within %s", timeout)
		}

		select {
		case <-ctx.Done():
			return Device{}, ctx.Err()
		case <-time.After(e.PollInterval):
		}
	}
}

// WaitForRemoval polls until the device node disappears.
func (e *Enumerator) WaitForRemoval(ctx context.Context, node string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if !e.FS.Exists(node) {
			logrus.WithField("device", node).Debug("device removed")
			return nil
		}
		if time.Now().After(deadline) {
			return pkgerrors.Wrapf(ErrStillPresent, "%s still present after %s", node, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.PollInterval):
		}
	}
}

func (e *Enumerator) find() (Device, bool) {
	m := e.Matcher

	if m.VendorID != "" && m.ProductID != "" {
		if dev, ok := e.findByIDPair(m.VendorID, m.ProductID); ok {
			return dev, true
		}
	}
	if m.HubLocation != "" {
		if dev, ok := e.findByHub(m.HubLocation); ok {
			return dev, true
		}
	}
	if m.ByIDSubstring != "" {
		if dev, ok := e.findByID(m.ByIDSubstring); ok {
			return dev, true
		}
	}
	return Device{}, false
}

func (e *Enumerator) findByIDPair(vid, pid string) (Device, bool) {
	paths, err := e.FS.Glob(sysfsUSBDevices + "/*")
	if err != nil {
		return Device{}, false
	}
	for _, p := range paths {
		idv, err := e.FS.ReadFile(filepath.Join(p, "idVendor"))
		if err != nil {
			continue
		}
		idp, err := e.FS.ReadFile(filepath.Join(p, "idProduct"))
		if err != nil {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(string(idv)), vid) ||
			!strings.EqualFold(strings.TrimSpace(string(idp)), pid) {
			continue
		}
		if node, ok := e.blockNodeUnder(p); ok {
			return Device{Node: node, SysfsPath: p}, true
		}
	}
	return Device{}, false
}

func (e *Enumerator) findByHub(hub string) (Device, bool) {
	candidates, err := e.FS.Glob(filepath.Join(sysfsUSBDevices, hub) + "*")
	if err != nil {
		return Device{}, false
	}
	for _, p := range candidates {
		if node, ok := e.blockNodeUnder(p); ok {
			return Device{Node: node, SysfsPath: p}, true
		}
	}
	return Device{}, false
}

// blockNodeUnder looks for a block/ directory in the interface subtree of
// a USB device and maps its entry to /dev.
func (e *Enumerator) blockNodeUnder(sysfsPath string) (string, bool) {
	// Block devices show up a few levels below the USB device node
	// (interface / host / target / disk).
	for depth := 1; depth <= 5; depth++ {
		pattern := sysfsPath + strings.Repeat("/*", depth) + "/block/*"
		matches, err := e.FS.Glob(pattern)
		if err != nil || len(matches) == 0 {
			continue
		}
		node := "/dev/" + filepath.Base(matches[0])
		if e.FS.Exists(node) {
			return node, true
		}
	}
	return "", false
}

func (e *Enumerator) findByID(substr string) (Device, bool) {
	entries, err := e.FS.ListDir(devDiskByID)
	if err != nil {
		return Device{}, false
	}
	for _, name := range entries {
		if !strings.Contains(name, substr) {
			continue
		}
		real, err := e.FS.Resolve(filepath.Join(devDiskByID, name))
		if err != nil {
			continue
		}
		if e.FS.Exists(real) {
			return Device{Node: real}, true
		}
	}
	return Device{}, false
}
