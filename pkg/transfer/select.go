package transfer

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Candidate is a file on the camera eligible for transfer. Size and
// ModTime come from the selection walk so later stages never have to
// touch the device again for metadata.
type Candidate struct {
	Rel     string
	Size    int64
	ModTime time.Time
}

// Selection strategies.
const (
	StrategyNewest  = "newest"
	StrategyOldest  = "oldest"
	StrategyLargest = "largest"
)

const ledgerFileName = "copied.txt"

// SelectFiles walks the given subdirs of the mounted camera and returns
// candidates ordered by strategy, bounded by maxFiles/maxBytes (zero
// means unbounded). Files already recorded in the staging ledger are
// skipped so footage is pulled off the camera exactly once.
func SelectFiles(mountPath string, subdirs []string, stagingPath, strategy string, maxFiles int, maxBytes int64) ([]Candidate, error) {
	ledger, err := loadLedger(stagingPath)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, sd := range subdirs {
		base := filepath.Join(mountPath, sd)
		if _, err := os.Stat(base); err != nil {
			logrus.WithField("subdir", sd).Debug("subdir missing on camera, skipping")
			continue
		}
		err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(mountPath, path)
			if err != nil {
				return err
			}
			if ledger[rel] {
				return nil
			}
			candidates = append(candidates, Candidate{Rel: rel, Size: info.Size(), ModTime: info.ModTime()})
			return nil
		})
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to walk %s", base)
		}
	}

	switch strategy {
	case StrategyOldest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ModTime.Before(candidates[j].ModTime) })
	case StrategyLargest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size > candidates[j].Size })
	default: // newest
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ModTime.After(candidates[j].ModTime) })
	}

	var selected []Candidate
	var totalBytes int64
	for _, c := range candidates {
		if maxFiles > 0 && len(selected) >= maxFiles {
			break
		}
		if maxBytes > 0 && totalBytes+c.Size > maxBytes {
			continue
		}
		selected = append(selected, c)
		totalBytes += c.Size
	}

	logrus.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"selected":   len(selected),
		"totalBytes": totalBytes,
		"strategy":   strategy,
	}).Info("selected files for transfer")
	return selected, nil
}

// loadLedger reads the set of relative paths already copied off the
// camera in previous sessions.
func loadLedger(stagingPath string) (map[string]bool, error) {
	ledger := make(map[string]bool)

	f, err := os.Open(filepath.Join(stagingPath, ledgerFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return ledger, nil
		}
		return nil, pkgerrors.Wrap(err, "failed to open copy ledger")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			ledger[line] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read copy ledger")
	}
	return ledger, nil
}

// appendLedger records one verified copy.
func appendLedger(stagingPath, rel string) error {
	f, err := os.OpenFile(filepath.Join(stagingPath, ledgerFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open copy ledger")
	}
	defer f.Close()

	if _, err := f.WriteString(rel + "\n"); err != nil {
		return pkgerrors.Wrap(err, "failed to append to copy ledger")
	}
	return nil
}
