// Package liveness counts blinks from a stream of eye aspect ratios.
//
// A still photo never changes eye state, so requiring a few completed
// blinks separates a live subject from a replayed image.
package liveness

import "fmt"

// Defaults match the 68-point dlib landmark model at webcam frame rates.
const (
	DefaultEARThreshold   = 0.25
	DefaultConsecFrames   = 3
	DefaultRequiredBlinks = 2
)

// State is the eye state after the last observed frame.
type State int

const (
	EyeOpen State = iota
	EyeClosing
	BlinkCounted
)

func (s State) String() string {
	switch s {
	case EyeOpen:
		return "eye_open"
	case EyeClosing:
		return "eye_closing"
	case BlinkCounted:
		return "blink_counted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the blink thresholds.
type Config struct {
	EARThreshold   float64 // EAR below this counts as a closed eye
	ConsecFrames   int     // closed frames needed before reopening counts as a blink
	RequiredBlinks int     // blinks needed for liveness
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		EARThreshold:   DefaultEARThreshold,
		ConsecFrames:   DefaultConsecFrames,
		RequiredBlinks: DefaultRequiredBlinks,
	}
}

// Validate reports configuration values that would make liveness unreachable or trivial.
func (c Config) Validate() error {
	if c.EARThreshold <= 0 {
		return fmt.Errorf("ear threshold must be > 0, got %f", c.EARThreshold)
	}
	if c.ConsecFrames < 1 {
		return fmt.Errorf("consecutive frames must be >= 1, got %d", c.ConsecFrames)
	}
	if c.RequiredBlinks < 1 {
		return fmt.Errorf("required blinks must be >= 1, got %d", c.RequiredBlinks)
	}
	return nil
}

// Machine is a per-session blink counter. It is not safe for concurrent use;
// the owning channel serialises frames.
type Machine struct {
	cfg       Config
	state     State
	lowFrames int
	blinks    int
	satisfied bool
}

// NewMachine creates a machine in the EyeOpen state.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: EyeOpen}
}

// Observe consumes one EAR value and reports whether it completed a blink.
// At most one blink is emitted per frame.
func (m *Machine) Observe(e float64) bool {
	if e < m.cfg.EARThreshold {
		m.lowFrames++
		m.state = EyeClosing
		return false
	}

	blink := m.lowFrames >= m.cfg.ConsecFrames
	m.lowFrames = 0
	m.state = EyeOpen
	if blink {
		m.blinks++
		// Reported for this frame only; the next open frame is EyeOpen again.
		m.state = BlinkCounted
	}

	if m.blinks >= m.cfg.RequiredBlinks {
		m.satisfied = true
	}
	return blink
}

// Satisfied reports whether liveness has been reached. Once true it stays true.
func (m *Machine) Satisfied() bool { return m.satisfied }

// Blinks returns the number of completed blinks.
func (m *Machine) Blinks() int { return m.blinks }

// Required returns the blinks needed for liveness.
func (m *Machine) Required() int { return m.cfg.RequiredBlinks }

// LowFrames returns the current run of closed-eye frames.
func (m *Machine) LowFrames() int { return m.lowFrames }

// State returns the eye state after the last frame.
func (m *Machine) State() State { return m.state }

// Reset discards all progress, including a satisfied liveness check.
func (m *Machine) Reset() {
	m.state = EyeOpen
	m.lowFrames = 0
	m.blinks = 0
	m.satisfied = false
}
