package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/faceauth/internal/ear"
	"github.com/andresmejia3/faceauth/internal/liveness"
	"github.com/andresmejia3/faceauth/internal/match"
	"github.com/andresmejia3/faceauth/internal/store"
	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/andresmejia3/faceauth/internal/worker"
	"github.com/google/uuid"
)

// maxRetiredHandles bounds how many superseded handles a channel remembers.
const maxRetiredHandles = 64

// Channel is one authentication channel: a single frame stream with at most
// one active session. Different channels run independently and share only
// the enrollment store.
type Channel struct {
	name     string
	cfg      Config
	analyzer Analyzer
	store    store.EnrollmentStore
	matcher  *match.Matcher
	logger   *slog.Logger
	now      func() time.Time

	frameMu sync.Mutex // serialises SubmitFrame
	mu      sync.Mutex // guards the mutable fields of the current session
	current atomic.Pointer[blinkSession]
	retired []string // superseded handles, oldest first; guarded by mu
	events  broadcaster
}

// NewChannel creates an idle channel.
func NewChannel(name string, cfg Config, a Analyzer, st store.EnrollmentStore, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		name:     name,
		cfg:      cfg,
		analyzer: a,
		store:    st,
		matcher:  match.New(cfg.MatchThreshold),
		logger:   logger.With("channel", name),
		now:      time.Now,
	}
}

func (c *Channel) Name() string { return c.name }

// Start opens a new session and returns its handle.
func (c *Channel) Start(ctx context.Context, mode Mode, identity string) (string, error) {
	identity = strings.TrimSpace(identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.current.Load(); s != nil && s.state == StateActive {
		return "", ErrAlreadyActive
	}

	switch mode {
	case ModeEnroll:
		if identity == "" {
			return "", ErrIdentityRequired
		}
		taken, err := c.store.Has(ctx, identity)
		if err != nil {
			return "", fmt.Errorf("check identity: %w", err)
		}
		if taken {
			return "", ErrIdentityTaken
		}
	case ModeLogin:
		identity = ""
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}

	// The session outlives the request that started it.
	sctx, cancel := context.WithCancel(context.Background())
	s := &blinkSession{
		handle:   uuid.NewString(),
		mode:     mode,
		identity: identity,
		ctx:      sctx,
		cancel:   cancel,
		machine:  liveness.NewMachine(c.cfg.Liveness),
		state:    StateActive,
	}
	if old := c.current.Swap(s); old != nil {
		old.cancel()
		c.retire(old.handle)
	}

	c.logger.Info("session started", "handle", s.handle, "mode", mode, "identity", identity)
	c.events.SendEvent(Event{Type: EventStarted, Handle: s.handle, Data: s.status()})
	return s.handle, nil
}

// SubmitFrame runs one frame through detection, blink counting and, once
// liveness holds, extraction and dispatch. Frames for a handle that is not
// the active session are dropped.
func (c *Channel) SubmitFrame(ctx context.Context, handle string, frame types.Frame) (FrameOutcome, error) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	s := c.current.Load()
	if s == nil || s.handle != handle || s.ctx.Err() != nil {
		return FrameOutcome{Status: FrameDropped}, nil
	}

	// Work for this frame stops as soon as the session is cancelled.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	stopAfter := context.AfterFunc(s.ctx, stop)
	defer stopAfter()

	faces, err := c.analyzer.Detect(ctx, frame.Data)
	if err != nil {
		if s.ctx.Err() != nil {
			return FrameOutcome{Status: FrameDropped}, nil
		}
		return FrameOutcome{}, fmt.Errorf("detect frame %d: %w", frame.Index, err)
	}

	out, face, ok := c.observe(s, faces)
	if !ok || out.Status != FrameLivenessAchieved {
		return out, nil
	}

	emb, err := c.analyzer.Extract(ctx, frame.Data, face.Loc)
	if err != nil {
		if errors.Is(err, worker.ErrNoEmbedding) {
			c.logger.Debug("no embedding, retrying on next frame", "handle", handle, "frame", frame.Index)
			return out, nil
		}
		if s.ctx.Err() != nil {
			return FrameOutcome{Status: FrameDropped}, nil
		}
		return out, fmt.Errorf("extract frame %d: %w", frame.Index, err)
	}

	return c.dispatch(s, emb)
}

// observe feeds the first face to the blink machine. ok is false when the
// session stopped being active while the frame was being detected.
func (c *Channel) observe(s *blinkSession, faces []types.Face) (out FrameOutcome, face types.Face, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.state != StateActive {
		return FrameOutcome{Status: FrameDropped}, face, false
	}
	out = FrameOutcome{Status: FrameContinue, Required: s.machine.Required()}

	if len(faces) == 0 {
		out.Blinks = s.machine.Blinks()
		out.Status = FrameNoFace
		c.events.SendEvent(Event{Type: EventNoFace, Handle: s.handle})
		return out, face, true
	}
	// Single-subject assumption: only the first face counts.
	face = faces[0]

	e, err := ear.FaceEAR(face)
	if err == nil {
		out.EAR = e
		wasSatisfied := s.machine.Satisfied()
		if s.machine.Observe(e) {
			c.events.SendEvent(Event{Type: EventBlink, Handle: s.handle, Data: s.machine.Blinks()})
		}
		if !wasSatisfied && s.machine.Satisfied() {
			s.livenessAt = c.now()
			c.logger.Info("liveness achieved", "handle", s.handle, "blinks", s.machine.Blinks())
			c.events.SendEvent(Event{Type: EventLiveness, Handle: s.handle})
		}
	}
	out.Blinks = s.machine.Blinks()
	if s.machine.Satisfied() {
		out.Status = FrameLivenessAchieved
	}
	return out, face, true
}

// dispatch commits the enrollment or runs the match. It holds c.mu for the
// whole store call, so a concurrent Cancel observes either nothing or the
// finished outcome.
func (c *Channel) dispatch(s *blinkSession, emb types.Embedding) (FrameOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.state != StateActive || s.ctx.Err() != nil {
		return FrameOutcome{Status: FrameDropped}, nil
	}

	if ttl := c.cfg.LivenessTTL; ttl > 0 && c.now().Sub(s.livenessAt) > ttl {
		s.machine.Reset()
		s.livenessAt = time.Time{}
		c.logger.Info("liveness expired before a usable embedding", "handle", s.handle, "ttl", ttl)
		c.events.SendEvent(Event{Type: EventLivenessExpired, Handle: s.handle})
		return FrameOutcome{Status: FrameContinue, Required: s.machine.Required()}, nil
	}

	ctx := context.WithoutCancel(s.ctx)
	var outcome Outcome

	switch s.mode {
	case ModeEnroll:
		err := c.store.Put(ctx, s.identity, emb)
		switch {
		case err == nil:
			outcome = Outcome{Kind: OutcomeEnrolled, Identity: s.identity}
		case errors.Is(err, store.ErrIdentityTaken):
			// Another channel enrolled the same identity after Start.
			outcome = Outcome{Kind: OutcomeRejected, Reason: ReasonIdentityTaken}
		default:
			return c.abortLocked(s, fmt.Errorf("commit enrollment: %w", err))
		}

	case ModeLogin:
		records, err := c.store.All(ctx)
		if err != nil {
			return c.abortLocked(s, fmt.Errorf("load enrollments: %w", err))
		}
		res, err := c.matcher.Match(emb, records)
		switch {
		case errors.Is(err, match.ErrNoEnrolledUsers):
			outcome = Outcome{Kind: OutcomeRejected, Reason: ReasonNoEnrolledUsers}
		case err != nil:
			return c.abortLocked(s, fmt.Errorf("match: %w", err))
		case res.Accepted:
			outcome = Outcome{Kind: OutcomeAuthenticated, Identity: res.Identity, Distance: &res.Distance}
		default:
			outcome = Outcome{Kind: OutcomeRejected, Reason: ReasonNoMatch, Distance: &res.Distance}
		}
	}

	s.state = StateCompleted
	s.outcome = &outcome
	s.cancel()

	c.logger.Info("session completed", "handle", s.handle, "result", outcome.Kind, "identity", outcome.Identity, "reason", outcome.Reason)
	c.events.SendEvent(Event{Type: EventOutcome, Handle: s.handle, Message: outcome.String(), Data: outcome})

	o := outcome
	return FrameOutcome{
		Status:   FrameTerminal,
		Blinks:   s.machine.Blinks(),
		Required: s.machine.Required(),
		Outcome:  &o,
	}, nil
}

// abortLocked ends s with an explicit failure. c.mu must be held.
func (c *Channel) abortLocked(s *blinkSession, err error) (FrameOutcome, error) {
	if s.state == StateActive {
		s.state = StateAborted
		s.err = err
		s.cancel()
		c.logger.Error("session failed", "handle", s.handle, "error", err)
		c.events.SendEvent(Event{Type: EventFailed, Handle: s.handle, Message: err.Error()})
	}
	return FrameOutcome{Status: FrameTerminal}, err
}

// Cancel aborts the session. Cancelling a finished session is a no-op.
func (c *Channel) Cancel(handle string) error {
	s := c.current.Load()
	if s == nil || s.handle != handle {
		c.mu.Lock()
		defer c.mu.Unlock()
		if slices.Contains(c.retired, handle) {
			// Already terminal and replaced by a newer session.
			return nil
		}
		return ErrUnknownSession
	}

	// Unblock any frame wait first; a dispatch in progress still completes.
	s.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.state == StateActive {
		s.state = StateAborted
		c.logger.Info("session cancelled", "handle", handle)
		c.events.SendEvent(Event{Type: EventCancelled, Handle: handle, Message: "Session cancelled by caller"})
	}
	return nil
}

// retire remembers a superseded handle so a late Cancel for it stays a no-op.
// Callers hold mu.
func (c *Channel) retire(handle string) {
	if len(c.retired) == maxRetiredHandles {
		c.retired = c.retired[1:]
	}
	c.retired = append(c.retired, handle)
}

// Status returns a snapshot of the session identified by handle.
func (c *Channel) Status(handle string) (Status, error) {
	s := c.current.Load()
	if s == nil || s.handle != handle {
		return Status{}, ErrUnknownSession
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.status(), nil
}

// Poll returns the status of the most recent session on the channel.
func (c *Channel) Poll() (Status, error) {
	s := c.current.Load()
	if s == nil {
		return Status{}, ErrUnknownSession
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.status(), nil
}

// Subscribe streams channel events until the returned func is called.
func (c *Channel) Subscribe() (<-chan Event, func()) {
	ch := c.events.AddListener()
	return ch, func() { c.events.RemoveListener(ch) }
}

// Run pulls frames from src and submits them until the session ends.
// Cancel unblocks a pending src.Next immediately.
func (c *Channel) Run(ctx context.Context, handle string, src FrameSource) (Outcome, error) {
	s := c.current.Load()
	if s == nil || s.handle != handle {
		return Outcome{}, ErrUnknownSession
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	stopAfter := context.AfterFunc(s.ctx, stop)
	defer stopAfter()

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return c.finished(s)
			}
			return Outcome{}, c.fail(s, fmt.Errorf("next frame: %w", err))
		}

		out, err := c.SubmitFrame(ctx, handle, frame)
		if err != nil {
			if s.ctx.Err() != nil {
				return c.finished(s)
			}
			return Outcome{}, c.fail(s, err)
		}
		switch out.Status {
		case FrameTerminal:
			return *out.Outcome, nil
		case FrameDropped:
			return c.finished(s)
		}
	}
}

// finished reports how an ended session terminated.
func (c *Channel) finished(s *blinkSession) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case s.outcome != nil:
		return *s.outcome, nil
	case s.err != nil:
		return Outcome{}, s.err
	default:
		return Outcome{}, ErrCancelled
	}
}

func (c *Channel) fail(s *blinkSession, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.state != StateActive {
		if s.err != nil {
			return s.err
		}
		if s.outcome == nil {
			return ErrCancelled
		}
	}
	c.abortLocked(s, err)
	return err
}

// Close cancels the active session, closes every subscriber and releases the analyzer.
func (c *Channel) Close() {
	if s := c.current.Load(); s != nil {
		c.Cancel(s.handle)
	}
	c.events.closeAll()
	if closer, ok := c.analyzer.(interface{ Close() }); ok {
		closer.Close()
	}
}
