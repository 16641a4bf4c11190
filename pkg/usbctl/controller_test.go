package usbctl

import (
	"context"
	"errors"
	"testing"
)

type fakeSysfs struct {
	value    string
	readErr  error
	writeErr error
	writes   []string
}

func (f *fakeSysfs) ReadFile(_ string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return []byte(f.value + "\n"), nil
}

func (f *fakeSysfs) WriteFile(_ string, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.value = string(data)
	f.writes = append(f.writes, string(data))
	return nil
}

type fakeHub struct {
	err   error
	calls [][]string
}

func (f *fakeHub) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return nil, f.err
}

func newTestController(fs *fakeSysfs, hub *fakeHub) *Controller {
	c := New("/sys/bus/usb/devices/1-1/authorized", "1-1", 1, hub)
	c.FS = fs
	return c
}

func TestEnableData(t *testing.T) {
	fs := &fakeSysfs{value: "0"}
	hub := &fakeHub{}
	c := newTestController(fs, hub)

	if err := c.EnableData(); err != nil {
		t.Fatalf("EnableData() error = %v", err)
	}
	if fs.value != "1" {
		t.Errorf("authorized flag = %q, want 1", fs.value)
	}
	if len(hub.calls) != 1 {
		t.Fatalf("uhubctl called %d times, want 1", len(hub.calls))
	}
	got := hub.calls[0]
	want := []string{"uhubctl", "-l", "1-1", "-p", "1", "-a", "on"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("uhubctl call = %v, want %v", got, want)
			break
		}
	}
}

func TestDisableData(t *testing.T) {
	fs := &fakeSysfs{value: "1"}
	hub := &fakeHub{}
	c := newTestController(fs, hub)

	if err := c.DisableData(); err != nil {
		t.Fatalf("DisableData() error = %v", err)
	}
	if fs.value != "0" {
		t.Errorf("authorized flag = %q, want 0", fs.value)
	}
	// Port stays powered for recording mode.
	if hub.calls[0][6] != "on" {
		t.Errorf("uhubctl action = %q, want on", hub.calls[0][6])
	}
}

func TestPowerOff(t *testing.T) {
	fs := &fakeSysfs{value: "0"}
	hub := &fakeHub{}
	c := newTestController(fs, hub)

	if err := c.PowerOff(); err != nil {
		t.Fatalf("PowerOff() error = %v", err)
	}
	if len(fs.writes) != 0 {
		t.Errorf("PowerOff wrote to sysfs %v, want no writes", fs.writes)
	}
	if hub.calls[0][6] != "off" {
		t.Errorf("uhubctl action = %q, want off", hub.calls[0][6])
	}
}

func TestHubFailureRollsBackSysfs(t *testing.T) {
	fs := &fakeSysfs{value: "0"}
	hub := &fakeHub{err: errors.New("hub not found")}
	c := newTestController(fs, hub)

	err := c.EnableData()
	if err == nil {
		t.Fatal("EnableData() expected error, got nil")
	}
	if errors.Is(err, ErrHardwareInconsistent) {
		t.Errorf("rollback succeeded, error should not be ErrHardwareInconsistent: %v", err)
	}
	if fs.value != "0" {
		t.Errorf("authorized flag = %q after rollback, want 0", fs.value)
	}
	// Write then revert.
	if len(fs.writes) != 2 || fs.writes[0] != "1" || fs.writes[1] != "0" {
		t.Errorf("sysfs writes = %v, want [1 0]", fs.writes)
	}
}

func TestHubFailureWithFailedRollback(t *testing.T) {
	fs := &fakeSysfs{value: "0"}
	hub := &fakeHub{err: errors.New("hub not found")}
	c := newTestController(fs, hub)

	// First write succeeds, the rollback write fails.
	fs.writeErr = nil
	wrote := false
	c.FS = sysfsFunc{
		read: fs.ReadFile,
		write: func(path string, data []byte) error {
			if wrote {
				return errors.New("sysfs went away")
			}
			wrote = true
			return fs.WriteFile(path, data)
		},
	}

	err := c.EnableData()
	if !errors.Is(err, ErrHardwareInconsistent) {
		t.Errorf("EnableData() error = %v, want ErrHardwareInconsistent", err)
	}
}

func TestAuthorized(t *testing.T) {
	fs := &fakeSysfs{value: "1"}
	c := newTestController(fs, &fakeHub{})

	got, err := c.Authorized()
	if err != nil {
		t.Fatalf("Authorized() error = %v", err)
	}
	if !got {
		t.Error("Authorized() = false, want true")
	}

	fs.readErr = errors.New("permission denied")
	if _, err := c.Authorized(); err == nil {
		t.Error("Authorized() expected error, got nil")
	}
}

type sysfsFunc struct {
	read  func(string) ([]byte, error)
	write func(string, []byte) error
}

func (s sysfsFunc) ReadFile(path string) ([]byte, error)     { return s.read(path) }
func (s sysfsFunc) WriteFile(path string, data []byte) error { return s.write(path, data) }
