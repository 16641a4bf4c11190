package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// scriptedRunner fails the first failures calls, then succeeds. It
// mirrors the remote by recording the staged tree at each successful
// sync.
type scriptedRunner struct {
	failures int
	calls    int
	args     [][]string
	// remote holds file names seen at the last successful sync.
	remote map[string]bool
	src    string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls++
	r.args = append(r.args, append([]string{name}, args...))
	if r.calls <= r.failures {
		return nil, errors.New("rsync: connection refused")
	}
	if r.remote != nil && r.src != "" {
		_ = filepath.Walk(r.src, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(r.src, path)
			if rel != ledgerFileName && rel != lockFileName {
				// Mirror semantics: same name overwrites, never duplicates.
				r.remote[rel] = true
			}
			return nil
		})
	}
	return nil, nil
}

func newTestUploader(staging string, runner *scriptedRunner) *Uploader {
	u := NewUploader(staging, "192.168.1.203", 22, "pi", "/home/pi/uploads/", "", 3, 2*time.Second, runner)
	u.sleep = func(time.Duration) {}
	return u
}

func TestUploadSucceedsFirstTry(t *testing.T) {
	staging := t.TempDir()
	writeFile(t, filepath.Join(staging, "a.mp4"), "payload")
	writeFile(t, filepath.Join(staging, ledgerFileName), "a.mp4\n")

	runner := &scriptedRunner{remote: map[string]bool{}, src: staging}
	u := newTestUploader(staging, runner)

	result, err := u.Upload(context.Background())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if !runner.remote["a.mp4"] {
		t.Error("remote missing a.mp4")
	}

	// Payload deleted, ledger retained.
	if _, err := os.Stat(filepath.Join(staging, "a.mp4")); !os.IsNotExist(err) {
		t.Error("staged payload not deleted after successful upload")
	}
	if _, err := os.Stat(filepath.Join(staging, ledgerFileName)); err != nil {
		t.Error("copy ledger must survive upload cleanup")
	}
}

func TestUploadRetriesWithBackoff(t *testing.T) {
	staging := t.TempDir()
	writeFile(t, filepath.Join(staging, "a.mp4"), "payload")

	runner := &scriptedRunner{failures: 2, remote: map[string]bool{}, src: staging}
	u := newTestUploader(staging, runner)

	var delays []time.Duration
	u.sleep = func(d time.Duration) { delays = append(delays, d) }

	result, err := u.Upload(context.Background())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Errorf("backoff delays = %v, want [2s 4s]", delays)
	}
}

func TestUploadExhaustionRetainsStagedFiles(t *testing.T) {
	staging := t.TempDir()
	writeFile(t, filepath.Join(staging, "a.mp4"), "payload")

	runner := &scriptedRunner{failures: 100}
	u := newTestUploader(staging, runner)

	_, err := u.Upload(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Upload() error = %v, want ErrRetriesExhausted", err)
	}
	if runner.calls != 4 { // initial + 3 retries
		t.Errorf("rsync invoked %d times, want 4", runner.calls)
	}
	if _, err := os.Stat(filepath.Join(staging, "a.mp4")); err != nil {
		t.Error("staged files must be retained after exhaustion")
	}
}

func TestUploadIdempotent(t *testing.T) {
	staging := t.TempDir()
	writeFile(t, filepath.Join(staging, "a.mp4"), "payload")

	runner := &scriptedRunner{remote: map[string]bool{}, src: staging}
	u := newTestUploader(staging, runner)

	if _, err := u.Upload(context.Background()); err != nil {
		t.Fatalf("first Upload() error = %v", err)
	}
	// Second run over the now-empty staging tree: still a success, and
	// the remote gains nothing.
	before := len(runner.remote)
	if _, err := u.Upload(context.Background()); err != nil {
		t.Fatalf("second Upload() error = %v", err)
	}
	if len(runner.remote) != before {
		t.Errorf("remote grew from %d to %d files on re-upload", before, len(runner.remote))
	}
}

func TestUploadBackoffCap(t *testing.T) {
	u := newTestUploader(t.TempDir(), &scriptedRunner{failures: 100})
	u.Retries = 12
	u.Backoff = 2 * time.Second

	var maxSeen time.Duration
	u.sleep = func(d time.Duration) {
		if d > maxSeen {
			maxSeen = d
		}
	}

	_, _ = u.Upload(context.Background())
	if maxSeen > maxBackoff {
		t.Errorf("backoff reached %v, cap is %v", maxSeen, maxBackoff)
	}
}

func TestUploadContextCanceled(t *testing.T) {
	u := newTestUploader(t.TempDir(), &scriptedRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.Upload(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Upload() error = %v, want context.Canceled", err)
	}
}

func TestRsyncArgs(t *testing.T) {
	u := NewUploader("/var/lib/camd/staging", "host", 2222, "pi", "/uploads/", "/etc/camd/key", 3, time.Second, nil)
	args := u.rsyncArgs()
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--checksum",
		"-p 2222",
		"-i /etc/camd/key",
		"/var/lib/camd/staging/ pi@host:/uploads/",
		"--exclude " + ledgerFileName,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("rsync args missing %q: %s", want, joined)
		}
	}
}
