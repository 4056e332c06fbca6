package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the artifact family a resolver or retention pass works on.
type Kind string

// Supported kinds.
const (
	KindData  Kind = "data"
	KindModel Kind = "model"
)

// ParseKind validates a user-supplied kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindData, KindModel:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w %q (valid: data, model)", ErrInvalidKind, s)
	}
}

// ArtifactVersion is one versioned instance of a named data artifact.
// Versions of a key start at 1 and increase by one per allocation.
// ContentHash stays empty until the artifact file has been written.
type ArtifactVersion struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Version     int       `json:"version"`
	StoragePath string    `json:"storage_path"`
	ContentHash string    `json:"content_hash"`
	CodeTag     int       `json:"code_tag"`
	CodeCommit  string    `json:"code_commit"`
	Params      Params    `json:"params"`
	CreatedAt   time.Time `json:"created_at"`
}

// Materialized reports whether the artifact file has been written and hashed.
func (v *ArtifactVersion) Materialized() bool {
	return v.ContentHash != ""
}

// ValidateKey rejects keys that cannot be used as a path component.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case key == "." || key == "..":
		return fmt.Errorf("%w %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, `/\`):
		return fmt.Errorf("%w %q: contains a path separator", ErrInvalidKey, key)
	case strings.HasPrefix(key, "-"):
		return fmt.Errorf("%w %q: starts with '-'", ErrInvalidKey, key)
	}
	return nil
}
