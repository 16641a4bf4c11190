package devwait

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeFS simulates the sysfs/dev view. present gates every lookup, so a
// test can flip device presence between polls.
type fakeFS struct {
	mu      sync.Mutex
	present bool
	// flips is consumed one entry per presence check to script appearing
	// and disappearing devices.
	flips []bool

	sysfsDev string
	node     string
	byID     string
}

func (f *fakeFS) isPresent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.flips) > 0 {
		f.present = f.flips[0]
		f.flips = f.flips[1:]
	}
	return f.present
}

func (f *fakeFS) Glob(pattern string) ([]string, error) {
	if !f.present {
		return nil, nil
	}
	if strings.Contains(pattern, "/block/") {
		return []string{f.sysfsDev + "/1-1:1.0/host0/target0/block/" + filepath.Base(f.node)}, nil
	}
	if strings.HasSuffix(pattern, "/*") || strings.HasSuffix(pattern, "*") {
		return []string{f.sysfsDev}, nil
	}
	return nil, nil
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	if !f.present {
		return nil, errors.New("no such file")
	}
	switch filepath.Base(path) {
	case "idVendor":
		return []byte("0603\n"), nil
	case "idProduct":
		return []byte("8611\n"), nil
	}
	return nil, errors.New("no such file")
}

func (f *fakeFS) ListDir(_ string) ([]string, error) {
	if !f.present || f.byID == "" {
		return nil, nil
	}
	return []string{f.byID}, nil
}

func (f *fakeFS) Exists(path string) bool {
	if path == f.node {
		return f.present
	}
	return false
}

func (f *fakeFS) Resolve(_ string) (string, error) {
	return f.node, nil
}

// gatedFS wraps fakeFS so presence is re-evaluated once per poll (the
// enumerator calls Glob first on every find).
type gatedFS struct{ *fakeFS }

func (g gatedFS) Glob(pattern string) ([]string, error) {
	if strings.HasPrefix(pattern, sysfsUSBDevices) && !strings.Contains(pattern, "/block/") {
		g.isPresent()
	}
	return g.fakeFS.Glob(pattern)
}

func newEnumerator(fs FS, m Matcher) *Enumerator {
	return &Enumerator{Matcher: m, FS: fs, PollInterval: time.Millisecond}
}

func TestWaitForDeviceByHub(t *testing.T) {
	fs := &fakeFS{present: true, sysfsDev: "/sys/bus/usb/devices/1-1", node: "/dev/sda"}
	e := newEnumerator(fs, Matcher{HubLocation: "1-1"})

	dev, err := e.WaitForDevice(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForDevice() error = %v", err)
	}
	if dev.Node != "/dev/sda" {
		t.Errorf("Node = %q, want /dev/sda", dev.Node)
	}
	if dev.SysfsPath != "/sys/bus/usb/devices/1-1" {
		t.Errorf("SysfsPath = %q", dev.SysfsPath)
	}
}

func TestWaitForDeviceByVendorProduct(t *testing.T) {
	fs := &fakeFS{present: true, sysfsDev: "/sys/bus/usb/devices/1-1.2", node: "/dev/sdb"}
	e := newEnumerator(fs, Matcher{VendorID: "0603", ProductID: "8611"})

	dev, err := e.WaitForDevice(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForDevice() error = %v", err)
	}
	if dev.Node != "/dev/sdb" {
		t.Errorf("Node = %q, want /dev/sdb", dev.Node)
	}
}

func TestWaitForDeviceByIDSubstring(t *testing.T) {
	fs := &fakeFS{present: true, node: "/dev/sdc", byID: "usb-NOVATEKN_vt-DSC_96680-0:0"}
	e := newEnumerator(fs, Matcher{ByIDSubstring: "NOVATEKN"})

	dev, err := e.WaitForDevice(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForDevice() error = %v", err)
	}
	if dev.Node != "/dev/sdc" {
		t.Errorf("Node = %q, want /dev/sdc", dev.Node)
	}
}

func TestWaitForDeviceTimeout(t *testing.T) {
	fs := &fakeFS{present: false, sysfsDev: "/sys/bus/usb/devices/1-1", node: "/dev/sda"}
	e := newEnumerator(fs, Matcher{HubLocation: "1-1"})

	_, err := e.WaitForDevice(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("WaitForDevice() error = %v, want ErrNotFound", err)
	}
}

func TestWaitForDeviceStabilization(t *testing.T) {
	// Device appears, vanishes on the confirmation poll, then comes back
	// and stays. The enumerator must not return during the flap.
	fs := &fakeFS{
		sysfsDev: "/sys/bus/usb/devices/1-1",
		node:     "/dev/sda",
		flips:    []bool{true, false, true, true, true},
	}
	e := newEnumerator(gatedFS{fs}, Matcher{HubLocation: "1-1"})

	dev, err := e.WaitForDevice(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForDevice() error = %v", err)
	}
	if dev.Node != "/dev/sda" {
		t.Errorf("Node = %q, want /dev/sda", dev.Node)
	}
	if len(fs.flips) > 1 {
		t.Errorf("returned before the flap settled, %d scripted polls unconsumed", len(fs.flips))
	}
}

func TestWaitForDeviceContextCancel(t *testing.T) {
	fs := &fakeFS{present: false, sysfsDev: "/sys/bus/usb/devices/1-1", node: "/dev/sda"}
	e := newEnumerator(fs, Matcher{HubLocation: "1-1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.WaitForDevice(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForDevice() error = %v, want context.Canceled", err)
	}
}

func TestWaitForRemoval(t *testing.T) {
	t.Run("removed", func(t *testing.T) {
		fs := &fakeFS{node: "/dev/sda", flips: []bool{true, true, false}}
		e := newEnumerator(fs, Matcher{})
		// Exists consults present directly; script it via flips by calling
		// isPresent on each check.
		e.FS = removalFS{fs}
		if err := e.WaitForRemoval(context.Background(), "/dev/sda", time.Second); err != nil {
			t.Errorf("WaitForRemoval() error = %v", err)
		}
	})

	t.Run("still present", func(t *testing.T) {
		fs := &fakeFS{present: true, node: "/dev/sda"}
		e := newEnumerator(fs, Matcher{})
		err := e.WaitForRemoval(context.Background(), "/dev/sda", 10*time.Millisecond)
		if !errors.Is(err, ErrStillPresent) {
			t.Errorf("WaitForRemoval() error = %v, want ErrStillPresent", err)
		}
	})
}

type removalFS struct{ *fakeFS }

func (r removalFS) Exists(path string) bool {
	if path == r.node {
		return r.isPresent()
	}
	return false
}
