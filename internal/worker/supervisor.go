package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/andresmejia3/faceauth/internal/types"
)

// ErrSupervisorClosed is returned by calls made after Close.
var ErrSupervisorClosed = errors.New("worker supervisor closed")

// Supervisor owns one PythonWorker at a time and replaces it with a fresh
// process once it falls out of sync. Long-lived channels use it so a single
// bad reply does not poison every later session.
type Supervisor struct {
	spawn  func() (*PythonWorker, error)
	logger *slog.Logger

	mu      sync.Mutex
	current *PythonWorker
	closed  bool
}

// NewSupervisor starts the first worker so configuration errors surface immediately.
func NewSupervisor(ctx context.Context, id int, cfg Config, logger *slog.Logger) (*Supervisor, error) {
	return newSupervisor(func() (*PythonWorker, error) {
		return NewPythonWorker(ctx, id, cfg)
	}, logger)
}

func newSupervisor(spawn func() (*PythonWorker, error), logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{spawn: spawn, logger: logger}
	w, err := spawn()
	if err != nil {
		return nil, err
	}
	s.current = w
	return s, nil
}

func (s *Supervisor) Detect(ctx context.Context, frame []byte) ([]types.Face, error) {
	w, err := s.acquire()
	if err != nil {
		return nil, err
	}
	faces, err := w.Detect(ctx, frame)
	s.release(w)
	return faces, err
}

func (s *Supervisor) Extract(ctx context.Context, frame []byte, box types.Box) (types.Embedding, error) {
	w, err := s.acquire()
	if err != nil {
		return nil, err
	}
	emb, err := w.Extract(ctx, frame, box)
	s.release(w)
	return emb, err
}

// Close stops the current worker. Later calls fail with ErrSupervisorClosed.
func (s *Supervisor) Close() {
	s.mu.Lock()
	w := s.current
	s.current = nil
	s.closed = true
	s.mu.Unlock()

	if w != nil {
		w.Close()
	}
}

func (s *Supervisor) acquire() (*PythonWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSupervisorClosed
	}
	if s.current == nil {
		w, err := s.spawn()
		if err != nil {
			return nil, err
		}
		s.logger.Info("worker restarted", "worker", w.ID)
		s.current = w
	}
	return s.current, nil
}

// release retires w if the call left it out of sync.
func (s *Supervisor) release(w *PythonWorker) {
	err := w.Broken()
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.current == w {
		s.current = nil
	}
	s.mu.Unlock()

	s.logger.Warn("dropping worker", "worker", w.ID, "error", err)
	w.Close()
}
