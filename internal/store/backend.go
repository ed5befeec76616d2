package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andresmejia3/faceauth/internal/config"
	"github.com/andresmejia3/faceauth/internal/types"
)

var (
	// ErrIdentityTaken is returned by Put when the identity is already enrolled.
	ErrIdentityTaken = errors.New("identity already enrolled")
	// ErrDimensionMismatch is returned by Put for embeddings of the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmptyIdentity is returned by Put for a blank identity.
	ErrEmptyIdentity = errors.New("identity must not be empty")
)

// EnrollmentStore is the persistent identity -> embedding mapping.
//
// Put is an atomic check-and-insert that has durably committed when it
// returns nil. All returns a consistent snapshot in insertion order.
type EnrollmentStore interface {
	Put(ctx context.Context, identity string, emb types.Embedding) error
	All(ctx context.Context) ([]types.EnrollmentRecord, error)
	Has(ctx context.Context, identity string) (bool, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open builds the backend selected in cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (EnrollmentStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.BackendFile:
		s, err := NewFileStore(cfg.UsersFile, cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := New(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendRedis:
		s, err := NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// validate applies the checks shared by every backend before a write.
func validate(identity string, emb types.Embedding, dim int) error {
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}
	if dim > 0 && len(emb) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), dim)
	}
	return nil
}
