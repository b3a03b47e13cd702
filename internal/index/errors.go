package index

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors for the synchronization and query failure taxonomy.
// Failures are tagged with errors.Mark so callers can classify them with
// errors.Is without losing the wrapped cause.
var (
	// ErrToolMissing reports that the git executable could not be resolved.
	ErrToolMissing = errors.New("git executable not found")

	// ErrSubprocess reports a git invocation that exited non-zero.
	ErrSubprocess = errors.New("subprocess failed")

	// ErrSignatureVerification reports a failed tag signature check.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrNetwork reports a transport-level failure during an HTTP refresh.
	ErrNetwork = errors.New("network failure")

	// ErrIndexCorrupt reports a mirrored archive that failed to decode.
	ErrIndexCorrupt = errors.New("index corrupt")

	// ErrVersionSyntax reports a metadata record whose version segment
	// does not parse.
	ErrVersionSyntax = errors.New("unparsable version")
)

// CorruptIndexError identifies a mirrored archive that the tar codec could
// not decode, carrying the archive path and the underlying decode fault.
type CorruptIndexError struct {
	Path string
	Err  error
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt index archive %s: %v", e.Path, e.Err)
}

func (e *CorruptIndexError) Unwrap() error {
	return e.Err
}

func corruptIndex(path string, err error) error {
	return errors.Mark(&CorruptIndexError{Path: path, Err: err}, ErrIndexCorrupt)
}
