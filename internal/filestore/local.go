package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the reference does not resolve to stored bytes.
	ErrNotFound = errors.New("filestore: reference not found")
	// ErrInvalidReference indicates a reference outside the store's namespace.
	ErrInvalidReference = errors.New("filestore: invalid reference")

	errMissingRoot = errors.New("filestore: root directory is required")
)

// Store accepts raw upload bytes and returns a stable reference that can be
// resolved later. Deletion is best-effort: a missing object is not an error.
type Store interface {
	Save(ctx context.Context, userID, filename string, data []byte) (string, error)
	Read(ctx context.Context, reference string) ([]byte, error)
	Delete(ctx context.Context, reference string) error
}

// LocalStore keeps uploads on the local filesystem under a root directory.
// References are relative paths of the form <userID>/<uuid><ext>.
type LocalStore struct {
	root string
}

// NewLocalStore constructs a disk-backed store rooted at the given directory.
func NewLocalStore(root string) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errMissingRoot
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Save writes the payload and returns its reference.
func (s *LocalStore) Save(_ context.Context, userID, filename string, data []byte) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidReference)
	}
	objectID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("filestore: generate object id: %w", err)
	}
	reference := filepath.ToSlash(filepath.Join(userID, objectID.String()+sanitizeExt(filename)))

	target, err := s.resolve(reference)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("filestore: create directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0o640); err != nil {
		return "", fmt.Errorf("filestore: write object: %w", err)
	}
	return reference, nil
}

// Read returns the stored bytes for a reference.
func (s *LocalStore) Read(_ context.Context, reference string) ([]byte, error) {
	target, err := s.resolve(reference)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read object: %w", err)
	}
	return data, nil
}

// Delete removes the stored bytes. A reference that no longer exists is
// treated as already deleted.
func (s *LocalStore) Delete(_ context.Context, reference string) error {
	target, err := s.resolve(reference)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: delete object: %w", err)
	}
	return nil
}

// resolve rejects references that escape the store root.
func (s *LocalStore) resolve(reference string) (string, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	cleaned := filepath.Clean(filepath.FromSlash(reference))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidReference, reference)
	}
	return filepath.Join(s.root, cleaned), nil
}

func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}
