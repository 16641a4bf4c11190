// Package execx is a thin seam over os/exec so that every component which
// shells out (telemetry CLI, uhubctl, mount, rsync, shutdown) can be tested
// with a fake runner.
package execx

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// System runs commands on the host.
type System struct{}

var _ Runner = System{}

func (System) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logrus.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	}).Trace("running external command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), pkgerrors.Wrapf(err, "%s failed: %s", name, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// Split breaks a configured command line into name and args. Commands in
// the config file are plain words, no shell quoting.
func Split(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
