// Package usbctl drives the camera's USB power path: a sysfs authorized
// flag that gates the data connection, and uhubctl for hub port power.
//
// Every operation either completes both the sysfs write and the hub call,
// or rolls the sysfs state back before surfacing the error. If the
// rollback itself fails the hardware is in an unknown state and
// ErrHardwareInconsistent is returned; callers must treat the camera
// state as unknown until the next successful call.
package usbctl

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dashkit/camd/pkg/execx"
)

// ErrHardwareInconsistent means a partial failure could not be rolled
// back: the sysfs flag and the hub port power no longer match any state
// the orchestrator commanded.
var ErrHardwareInconsistent = pkgerrors.New("usb hardware state inconsistent")

// Sysfs abstracts the authorized flag file for tests.
type Sysfs interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

type osSysfs struct{}

func (osSysfs) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }
func (osSysfs) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

// Controller owns the camera's USB authorization flag and hub port.
type Controller struct {
	AuthorizedPath string
	HubLocation    string
	Port           int

	Runner execx.Runner
	FS     Sysfs
	// Timeout bounds a single uhubctl invocation.
	Timeout time.Duration
}

// New returns a Controller backed by the real sysfs and uhubctl.
func New(authorizedPath, hubLocation string, port int, runner execx.Runner) *Controller {
	return &Controller{
		AuthorizedPath: authorizedPath,
		HubLocation:    hubLocation,
		Port:           port,
		Runner:         runner,
		FS:             osSysfs{},
		Timeout:        15 * time.Second,
	}
}

// Authorized reports whether the data connection is currently authorized.
func (c *Controller) Authorized() (bool, error) {
	b, err := c.FS.ReadFile(c.AuthorizedPath)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to read %s", c.AuthorizedPath)
	}
	return strings.TrimSpace(string(b)) == "1", nil
}

// EnableData authorizes the data connection and powers the hub port on,
// letting the camera enumerate as a mass-storage device.
func (c *Controller) EnableData() error {
	return c.setState(true, true)
}

// DisableData deauthorizes the data connection while keeping the port
// powered, which puts the camera back into recording mode.
func (c *Controller) DisableData() error {
	return c.setState(false, true)
}

// PowerOff cuts hub port power entirely (conservation / full disconnect).
// The authorized flag is left untouched; an unpowered port has no data
// connection to gate.
func (c *Controller) PowerOff() error {
	if err := c.setPortPower(false); err != nil {
		return err
	}
	logrus.WithField("hub", c.HubLocation).Debug("usb port powered off")
	return nil
}

func (c *Controller) setState(authorized, powered bool) error {
	prev, err := c.Authorized()
	if err != nil {
		// No previous state to roll back to; still try the write.
		logrus.Warnf("could not read authorized flag before write: %v", err)
		prev = !authorized
	}

	if err := c.writeAuthorized(authorized); err != nil {
		return err
	}

	if err := c.setPortPower(powered); err != nil {
		// Hub control failed after the sysfs write succeeded. Revert the
		// flag so hardware state matches the last commanded camera state.
		if rbErr := c.writeAuthorized(prev); rbErr != nil {
			logrus.WithFields(logrus.Fields{
				"hubError":      err.Error(),
				"rollbackError": rbErr.Error(),
			}).Error("usb rollback failed, hardware state unknown")
			return pkgerrors.Wrapf(ErrHardwareInconsistent, "hub control failed (%v) and sysfs rollback failed (%v)", err, rbErr)
		}
		return pkgerrors.Wrap(err, "hub control failed, sysfs state rolled back")
	}

	logrus.WithFields(logrus.Fields{
		"authorized": authorized,
		"powered":    powered,
	}).Debug("usb state applied")
	return nil
}

func (c *Controller) writeAuthorized(authorized bool) error {
	v := "0"
	if authorized {
		v = "1"
	}
	if err := c.FS.WriteFile(c.AuthorizedPath, []byte(v)); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s to %s", v, c.AuthorizedPath)
	}
	return nil
}

func (c *Controller) setPortPower(on bool) error {
	action := "off"
	if on {
		action = "on"
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	_, err := c.Runner.Run(ctx, "uhubctl",
		"-l", c.HubLocation,
		"-p", strconv.Itoa(c.Port),
		"-a", action)
	if err != nil {
		return pkgerrors.Wrapf(err, "uhubctl -l %s -p %d -a %s failed", c.HubLocation, c.Port, action)
	}
	return nil
}
