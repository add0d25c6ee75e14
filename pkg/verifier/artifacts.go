package verifier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/choiros/choird/pkg/canonical"
)

// ArtifactStore is a content-addressed file store. Writing identical bytes
// twice is a no-op, so artifact hashes can double as dedup keys.
type ArtifactStore struct {
	root string
}

// NewArtifactStore ensures the root directory exists.
func NewArtifactStore(root string) (*ArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &ArtifactStore{root: root}, nil
}

// WriteBytes stores data under its SHA-256 with the given suffix and returns
// the hash.
func (s *ArtifactStore) WriteBytes(data []byte, suffix string) (string, error) {
	digest := canonical.HashBytes(data)
	path := filepath.Join(s.root, digest+suffix)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return digest, nil
}

// WriteJSON stores the canonical JSON encoding of v as a .json artifact.
func (s *ArtifactStore) WriteJSON(v any) (string, error) {
	encoded, err := canonical.JSON(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	return s.WriteBytes(encoded, ".json")
}

// Read returns the stored bytes for a hash + suffix.
func (s *ArtifactStore) Read(hash, suffix string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, hash+suffix))
}

// Path returns the on-disk location for a hash + suffix.
func (s *ArtifactStore) Path(hash, suffix string) string {
	return filepath.Join(s.root, hash+suffix)
}
