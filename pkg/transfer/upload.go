package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dashkit/camd/pkg/execx"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 5 * time.Minute

// Uploader mirrors the staging tree to the remote host over rsync+ssh.
// Mirror semantics (checksum-based overwrite, never append) make a
// re-upload of an already-uploaded tree a no-op, so a failed deletion or
// a crashed session can always be retried from scratch.
type Uploader struct {
	StagingPath string
	Host        string
	Port        int
	User        string
	DestPath    string
	SSHKey      string
	Retries     int
	Backoff     time.Duration

	Runner execx.Runner
	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewUploader(stagingPath, host string, port int, user, destPath, sshKey string, retries int, backoff time.Duration, runner execx.Runner) *Uploader {
	return &Uploader{
		StagingPath: stagingPath,
		Host:        host,
		Port:        port,
		User:        user,
		DestPath:    destPath,
		SSHKey:      sshKey,
		Retries:     retries,
		Backoff:     backoff,
		Runner:      runner,
		sleep:       time.Sleep,
	}
}

// UploadResult summarizes a successful upload phase.
type UploadResult struct {
	Attempts int `json:"attempts"`
}

// Upload syncs the staged tree to the remote target, retrying with capped
// exponential backoff. On success the staged payload is deleted (the copy
// ledger and lock file are kept); deletion failures are logged and never
// re-trigger an upload. On exhaustion staged files are retained and
// ErrRetriesExhausted is returned.
func (u *Uploader) Upload(ctx context.Context) (UploadResult, error) {
	args := u.rsyncArgs()

	var result UploadResult
	var lastErr error
	for attempt := 0; attempt <= u.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Attempts = attempt + 1
		logrus.WithFields(logrus.Fields{
			"attempt": result.Attempts,
			"host":    u.Host,
			"dest":    u.DestPath,
		}).Info("starting upload attempt")

		_, err := u.Runner.Run(ctx, "rsync", args...)
		if err == nil {
			logrus.WithField("attempts", result.Attempts).Info("upload succeeded")
			u.cleanStaged()
			return result, nil
		}
		lastErr = err

		if attempt < u.Retries {
			delay := u.Backoff << uint(attempt)
			if delay > maxBackoff {
				delay = maxBackoff
			}
			logrus.WithFields(logrus.Fields{
				"attempt": result.Attempts,
				"delay":   delay.String(),
				"error":   err.Error(),
			}).Warn("upload attempt failed, backing off")
			u.sleep(delay)
		}
	}

	return result, pkgerrors.Wrapf(ErrRetriesExhausted, "after %d attempts: %v", result.Attempts, lastErr)
}

func (u *Uploader) rsyncArgs() []string {
	args := []string{"-az", "--checksum", "--partial"}

	ssh := []string{"ssh", "-o", "StrictHostKeyChecking=no", "-o", "BatchMode=yes"}
	if u.Port != 0 && u.Port != 22 {
		ssh = append(ssh, "-p", fmt.Sprintf("%d", u.Port))
	}
	if u.SSHKey != "" {
		ssh = append(ssh, "-i", u.SSHKey)
	}
	args = append(args, "-e", strings.Join(ssh, " "))

	target := u.Host + ":" + u.DestPath
	if u.User != "" {
		target = u.User + "@" + target
	}

	// Trailing slash: sync the staging tree's contents, not the dir.
	src := strings.TrimSuffix(u.StagingPath, "/") + "/"
	return append(args,
		"--exclude", ledgerFileName,
		"--exclude", lockFileName,
		src, target)
}

// cleanStaged removes the uploaded payload, keeping the ledger (so files
// are not re-copied off the camera) and the session lock (owned by the
// caller).
func (u *Uploader) cleanStaged() {
	entries, err := os.ReadDir(u.StagingPath)
	if err != nil {
		logrus.Errorf("failed to list staging dir after upload: %v", err)
		return
	}
	for _, e := range entries {
		if e.Name() == ledgerFileName || e.Name() == lockFileName {
			continue
		}
		path := filepath.Join(u.StagingPath, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logrus.Errorf("failed to remove staged %s: %v", path, err)
		}
	}
}
