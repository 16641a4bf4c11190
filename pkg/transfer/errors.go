package transfer

import pkgerrors "github.com/pkg/errors"

var (
	// ErrInsufficientSpace means the staging filesystem would exceed its
	// capacity margin. Not transient: the condition persists until
	// staging is cleared.
	ErrInsufficientSpace = pkgerrors.New("insufficient staging space")

	// ErrVerification means a copied file's content hash did not match
	// its source. The partial copy is left in place for inspection and
	// the session must not proceed to upload.
	ErrVerification = pkgerrors.New("copy verification failed")

	// ErrRetriesExhausted means every upload attempt failed. Staged
	// files are retained so a later tick can retry from scratch.
	ErrRetriesExhausted = pkgerrors.New("upload retries exhausted")

	// ErrSessionActive means another transfer session holds the lock.
	// The caller skips, never queues.
	ErrSessionActive = pkgerrors.New("transfer session already active")
)
