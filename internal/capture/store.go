package capture

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AssetStore keeps assembled assets addressable for local preview before submission.
type AssetStore interface {
	Save(sessionID uuid.UUID, a Asset) (path string, err error)
	Remove(sessionID uuid.UUID) error
}

// FileStore writes assets to {dir}/recordings/{session_id}/recording{ext}.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir; empty dir means os.TempDir().
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileStore{dir: filepath.Join(dir, "recordings")}
}

func (s *FileStore) sessionDir(sessionID uuid.UUID) string {
	return filepath.Join(s.dir, sessionID.String())
}

// Path returns where the asset for sessionID is stored.
func (s *FileStore) Path(sessionID uuid.UUID, enc Encoding) string {
	return filepath.Join(s.sessionDir(sessionID), AssetBaseName+enc.Extension)
}

// Save writes the asset and returns its path.
func (s *FileStore) Save(sessionID uuid.UUID, a Asset) (string, error) {
	if err := os.MkdirAll(s.sessionDir(sessionID), 0o750); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}
	path := s.Path(sessionID, a.Encoding)
	if err := os.WriteFile(path, a.Data, 0o600); err != nil {
		return "", fmt.Errorf("write asset: %w", err)
	}
	return path, nil
}

// Load reads an asset previously saved at path and checks it against digest.
func (s *FileStore) Load(path string, enc Encoding, digest string) (Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Asset{}, fmt.Errorf("read asset: %w", err)
	}
	a := Asset{Data: data, Encoding: enc, Digest: digest}
	if err := a.Verify(); err != nil {
		return Asset{}, err
	}
	return a, nil
}

// Remove deletes everything stored for sessionID. Missing files are not an error.
func (s *FileStore) Remove(sessionID uuid.UUID) error {
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove asset: %w", err)
	}
	return nil
}
