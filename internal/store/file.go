package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/google/renameio"
)

const fileFormatVersion = 1

// fileDocument is the on-disk layout. Records are kept as a list so the
// insertion order survives a reload.
type fileDocument struct {
	Version int                      `json:"version"`
	Records []types.EnrollmentRecord `json:"records"`
}

// FileStore keeps enrollments in a single JSON file.
// Every Put rewrites the file through a temp file + fsync + rename, so a
// crash leaves either the old or the new document on disk, never a mix.
type FileStore struct {
	path string
	dim  int

	writeMu sync.Mutex   // one writer at a time
	mu      sync.RWMutex // guards records
	records []types.EnrollmentRecord
	index   map[string]int
}

// NewFileStore loads path if it exists, or starts empty.
func NewFileStore(path string, dim int) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("users file path is required for the file backend")
	}
	s := &FileStore{path: path, dim: dim, index: make(map[string]int)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt users file %s: %w", path, err)
	}
	if doc.Version != fileFormatVersion {
		return nil, fmt.Errorf("unsupported users file version %d", doc.Version)
	}
	for i, rec := range doc.Records {
		if _, dup := s.index[rec.Identity]; dup {
			return nil, fmt.Errorf("corrupt users file %s: duplicate identity %q", path, rec.Identity)
		}
		if dim > 0 && len(rec.Embedding) != dim {
			return nil, fmt.Errorf("corrupt users file %s: %q has %d dimensions, want %d", path, rec.Identity, len(rec.Embedding), dim)
		}
		s.index[rec.Identity] = i
	}
	s.records = doc.Records
	return s, nil
}

// Put commits the new record to disk before making it visible to readers.
func (s *FileStore) Put(ctx context.Context, identity string, emb types.Embedding) error {
	if err := validate(identity, emb, s.dim); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, taken := s.index[identity]
	next := make([]types.EnrollmentRecord, len(s.records), len(s.records)+1)
	copy(next, s.records)
	s.mu.RUnlock()

	if taken {
		return ErrIdentityTaken
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vec := make(types.Embedding, len(emb))
	copy(vec, emb)
	next = append(next, types.EnrollmentRecord{
		Identity:  identity,
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	})

	if err := s.commit(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.records = next
	s.index[identity] = len(next) - 1
	s.mu.Unlock()
	return nil
}

// All returns a copy of the committed records in insertion order.
func (s *FileStore) All(ctx context.Context) ([]types.EnrollmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.EnrollmentRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Has checks whether identity is enrolled.
func (s *FileStore) Has(ctx context.Context, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[identity]
	return ok, nil
}

// Reset removes the users file and clears memory.
func (s *FileStore) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove users file: %w", err)
	}
	s.mu.Lock()
	s.records = nil
	s.index = make(map[string]int)
	s.mu.Unlock()
	return nil
}

// Close is a no-op; every Put is already durable.
func (s *FileStore) Close(ctx context.Context) {}

func (s *FileStore) commit(records []types.EnrollmentRecord) error {
	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users file: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create users file directory: %w", err)
		}
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("commit users file: %w", err)
	}
	return nil
}
