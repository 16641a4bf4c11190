package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// UsageFunc reports total and used bytes of the filesystem holding path.
type UsageFunc func(path string) (total, used uint64, err error)

// StatfsUsage is the real UsageFunc.
func StatfsUsage(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, pkgerrors.Wrapf(err, "statfs %s failed", path)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	return total, total - free, nil
}

// CopyResult summarizes a completed, verified copy phase.
type CopyResult struct {
	BytesCopied int64 `json:"bytes_copied"`
	FilesCopied int   `json:"files_copied"`
}

// Stager copies selected camera files into the staging directory with
// per-file integrity verification.
type Stager struct {
	StagingPath string
	// CapacityMargin is the fraction of the staging filesystem that may
	// be used after the copy.
	CapacityMargin float64
	DiskUsage      UsageFunc
}

func NewStager(stagingPath string, capacityMargin float64) *Stager {
	return &Stager{
		StagingPath:    stagingPath,
		CapacityMargin: capacityMargin,
		DiskUsage:      StatfsUsage,
	}
}

// CopyToStaging copies the candidates from the mounted camera into
// staging. The capacity guard runs first, on staging-side numbers and the
// sizes recorded at selection time, so a doomed copy never touches the
// device. Each file is hashed while copying and the destination is
// re-hashed and compared; a mismatch aborts with ErrVerification, leaving
// the partial copy in place.
func (s *Stager) CopyToStaging(ctx context.Context, mountPath string, files []Candidate) (CopyResult, error) {
	var result CopyResult
	if len(files) == 0 {
		return result, nil
	}

	if err := os.MkdirAll(s.StagingPath, 0755); err != nil {
		return result, pkgerrors.Wrapf(err, "failed to create staging dir %s", s.StagingPath)
	}

	total, used, err := s.DiskUsage(s.StagingPath)
	if err != nil {
		return result, err
	}
	maxAllowed := uint64(float64(total) * s.CapacityMargin)

	var needed uint64
	for _, f := range files {
		needed += uint64(f.Size)
	}
	if used+needed > maxAllowed {
		return result, pkgerrors.Wrapf(ErrInsufficientSpace,
			"projected %d bytes used of %d allowed (total %d, margin %v)",
			used+needed, maxAllowed, total, s.CapacityMargin)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		src := filepath.Join(mountPath, f.Rel)
		dst := filepath.Join(s.StagingPath, f.Rel)
		n, err := copyVerified(src, dst)
		if err != nil {
			return result, err
		}

		if err := appendLedger(s.StagingPath, f.Rel); err != nil {
			logrus.Errorf("failed to record %s in ledger: %v", f.Rel, err)
		}

		result.BytesCopied += n
		result.FilesCopied++
		logrus.WithFields(logrus.Fields{
			"file":  f.Rel,
			"bytes": n,
		}).Debug("file copied and verified")
	}

	logrus.WithFields(logrus.Fields{
		"files": result.FilesCopied,
		"bytes": result.BytesCopied,
	}).Info("copy phase complete")
	return result, nil
}

// copyVerified copies src to dst, hashing the source stream, then
// re-reads dst and compares digests.
func copyVerified(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to create %s", filepath.Dir(dst))
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to create %s", dst)
	}

	srcHash := sha256.New()
	n, err := io.Copy(out, io.TeeReader(in, srcHash))
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return n, pkgerrors.Wrapf(err, "failed to copy %s", src)
	}

	dstDigest, err := hashFile(dst)
	if err != nil {
		return n, err
	}
	srcDigest := hex.EncodeToString(srcHash.Sum(nil))
	if srcDigest != dstDigest {
		return n, pkgerrors.Wrapf(ErrVerification, "%s: source %s != staged %s", src, srcDigest[:12], dstDigest[:12])
	}

	return n, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to open %s for verification", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
