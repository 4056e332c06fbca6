package types

import (
	"errors"
	"fmt"
)

// Lineage error taxonomy. Callers test with errors.Is; concrete errors wrap
// one of these together with the key, version or run id involved.
var (
	// ErrNotFound reports an absent key, version or run. Often a normal
	// empty result rather than a failure.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity reports a broken lineage reference.
	ErrIntegrity = errors.New("integrity violation")

	// ErrConcurrency reports a collided version or run allocation, or a
	// store lock wait that timed out. Retryable.
	ErrConcurrency = errors.New("concurrent modification")

	// ErrIO reports a filesystem access failure.
	ErrIO = errors.New("filesystem error")

	// ErrConfirmationDeclined reports that the operator declined a
	// destructive action.
	ErrConfirmationDeclined = errors.New("confirmation declined")
)

// Component errors.
var (
	ErrUnknownDataKey  = fmt.Errorf("unknown data key: %w", ErrNotFound)
	ErrSnapshot        = errors.New("snapshot failed")
	ErrUnknownRoutine  = errors.New("unknown routine")
	ErrInvalidParams   = errors.New("invalid parameters")
	ErrInvalidKey      = errors.New("invalid key")
	ErrInvalidKind     = errors.New("invalid kind")
	ErrStoreDetached   = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
)
