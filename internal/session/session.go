// Package session runs liveness-gated enrollment and login attempts.
//
// A Channel owns at most one active attempt. Frames are processed strictly in
// submission order: detection, eye aspect ratio, blink counting, and once
// enough blinks were seen, embedding extraction followed by either an
// enrollment commit or a match against the enrolled identities.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/faceauth/internal/liveness"
	"github.com/andresmejia3/faceauth/internal/match"
	"github.com/andresmejia3/faceauth/internal/store"
	"github.com/andresmejia3/faceauth/internal/types"
)

var (
	ErrAlreadyActive    = errors.New("a session is already active on this channel")
	ErrIdentityRequired = errors.New("identity is required for enrollment")
	ErrIdentityTaken    = fmt.Errorf("session: %w", store.ErrIdentityTaken)
	ErrUnknownSession   = errors.New("unknown session")
	ErrCancelled        = errors.New("session cancelled")
)

// Detector finds faces and their eye landmarks in an encoded frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]types.Face, error)
}

// Extractor encodes the face inside box. It returns worker.ErrNoEmbedding
// when the region cannot be encoded.
type Extractor interface {
	Extract(ctx context.Context, frame []byte, box types.Box) (types.Embedding, error)
}

// Analyzer is the detector/extractor pair a channel talks to.
type Analyzer interface {
	Detector
	Extractor
}

// FrameSource yields frames in capture order. Next must return promptly when ctx is done.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
}

type Mode string

const (
	ModeEnroll Mode = "enroll"
	ModeLogin  Mode = "login"
)

type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

type OutcomeKind string

const (
	OutcomeEnrolled      OutcomeKind = "enrolled"
	OutcomeAuthenticated OutcomeKind = "authenticated"
	OutcomeRejected      OutcomeKind = "rejected"
)

// Outcome is the terminal decision of a session. It never changes once set.
type Outcome struct {
	Kind     OutcomeKind `json:"result"`
	Identity string      `json:"identity,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Distance *float64    `json:"distance,omitempty"` // login only
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeEnrolled:
		return fmt.Sprintf("enrolled as %s", o.Identity)
	case OutcomeAuthenticated:
		return fmt.Sprintf("authenticated as %s", o.Identity)
	default:
		return fmt.Sprintf("rejected: %s", o.Reason)
	}
}

// Rejection reasons.
const (
	ReasonNoMatch         = "no match"
	ReasonIdentityTaken   = "identity taken"
	ReasonNoEnrolledUsers = "no enrolled users"
)

type FrameStatus string

const (
	FrameContinue         FrameStatus = "continue"
	FrameNoFace           FrameStatus = "no_face"
	FrameLivenessAchieved FrameStatus = "liveness_achieved"
	FrameTerminal         FrameStatus = "terminal"
	FrameDropped          FrameStatus = "dropped" // session not active, frame ignored
)

// FrameOutcome is the result of SubmitFrame.
type FrameOutcome struct {
	Status   FrameStatus `json:"status"`
	EAR      float64     `json:"ear,omitempty"`
	Blinks   int         `json:"blinks"`
	Required int         `json:"required_blinks"`
	Outcome  *Outcome    `json:"outcome,omitempty"`
}

// Status is a snapshot of a session for polling callers.
type Status struct {
	Handle   string   `json:"handle"`
	Mode     Mode     `json:"mode"`
	State    State    `json:"state"`
	Identity string   `json:"identity,omitempty"`
	Blinks   int      `json:"blinks"`
	Required int      `json:"required_blinks"`
	Result   string   `json:"result"` // "pending" until the session ends
	Outcome  *Outcome `json:"outcome,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Config holds the per-channel decision thresholds.
type Config struct {
	Liveness       liveness.Config
	MatchThreshold float64
	// LivenessTTL bounds the time between liveness success and a usable
	// embedding. Zero never expires liveness.
	LivenessTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Liveness:       liveness.DefaultConfig(),
		MatchThreshold: match.DefaultThreshold,
	}
}

func (c Config) Validate() error {
	if err := c.Liveness.Validate(); err != nil {
		return err
	}
	if c.MatchThreshold <= 0 {
		return fmt.Errorf("match threshold must be > 0, got %f", c.MatchThreshold)
	}
	if c.LivenessTTL < 0 {
		return fmt.Errorf("liveness ttl must not be negative")
	}
	return nil
}

// blinkSession is the state of one attempt. Fields below ctx are guarded by Channel.mu.
type blinkSession struct {
	handle   string
	mode     Mode
	identity string
	ctx      context.Context
	cancel   context.CancelFunc

	machine    *liveness.Machine
	state      State
	outcome    *Outcome
	err        error
	livenessAt time.Time
}

func (s *blinkSession) status() Status {
	st := Status{
		Handle:   s.handle,
		Mode:     s.mode,
		State:    s.state,
		Identity: s.identity,
		Blinks:   s.machine.Blinks(),
		Required: s.machine.Required(),
	}
	switch {
	case s.state == StateActive:
		st.Result = "pending"
	case s.outcome != nil:
		o := *s.outcome
		st.Outcome = &o
		st.Result = string(o.Kind)
	case s.err != nil:
		st.Result = "failed"
		st.Error = s.err.Error()
	default:
		st.Result = "cancelled"
	}
	return st
}
