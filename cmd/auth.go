package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/faceauth/internal/camera"
	"github.com/andresmejia3/faceauth/internal/config"
	"github.com/andresmejia3/faceauth/internal/session"
	"github.com/andresmejia3/faceauth/internal/utils"
	"github.com/andresmejia3/faceauth/internal/worker"
	"github.com/schollz/progressbar/v3"
)

// ErrRejected is returned when an attempt ends without enrolling or authenticating.
var ErrRejected = errors.New("authentication rejected")

// sessionConfig maps the resolved configuration onto the session thresholds.
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Liveness.EARThreshold = cfg.Liveness.EARThreshold
	sc.Liveness.ConsecFrames = cfg.Liveness.ConsecFrames
	sc.Liveness.RequiredBlinks = cfg.Liveness.RequiredBlinks
	sc.LivenessTTL = cfg.Liveness.TTL
	sc.MatchThreshold = cfg.Match.Threshold
	return sc
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{Command: cfg.Worker.Command, ReadTimeout: cfg.Worker.ReadTimeout}
}

func cameraConfig(cfg *config.Config, device string) camera.Config {
	c := camera.Config{Device: cfg.Camera.Device, Format: cfg.Camera.Format, Scale: cfg.Camera.Scale}
	if device != "" {
		c.Device = device
		// A recorded clip has no capture driver.
		if info, err := os.Stat(device); err == nil && info.Mode().IsRegular() {
			c.Format = ""
		}
	}
	return c
}

// runAuth performs one interactive attempt against the local camera.
func runAuth(ctx context.Context, mode session.Mode, identity, device string) error {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, workerConfig(Cfg))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	ch := session.NewChannel("cli", sessionConfig(Cfg), w, DB, Logger)
	handle, err := ch.Start(ctx, mode, identity)
	if err != nil {
		utils.ShowError("Cannot start session", err, nil)
		return err
	}

	camCfg := cameraConfig(Cfg, device)
	fmt.Fprintf(os.Stderr, "📷 Opening camera %s...\n", camCfg.Device)
	src, err := camera.Open(ctx, camCfg)
	if err != nil {
		ch.Cancel(handle)
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}
	defer src.Close()

	// Ctrl+C cancels the session, which unblocks the frame wait.
	stopCancel := context.AfterFunc(ctx, func() { ch.Cancel(handle) })
	defer stopCancel()

	bar := progressbar.NewOptions(Cfg.Liveness.RequiredBlinks,
		progressbar.OptionSetDescription("👁️  Blink to verify"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	events, unsubscribe := ch.Subscribe()
	defer unsubscribe()
	go trackBlinks(events, bar)

	outcome, err := ch.Run(ctx, handle, src)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	switch {
	case errors.Is(err, session.ErrCancelled):
		fmt.Fprintln(os.Stderr, "🛑 Cancelled.")
		return err
	case err != nil:
		utils.ShowError("Session failed", err, w.Cmd)
		return err
	}

	fmt.Println(formatOutcome(outcome))
	if outcome.Kind == session.OutcomeRejected {
		return ErrRejected
	}
	return nil
}

// trackBlinks mirrors blink events onto the progress bar until the stream closes.
func trackBlinks(events <-chan session.Event, bar *progressbar.ProgressBar) {
	lastNoFace := time.Time{}
	for ev := range events {
		switch ev.Type {
		case session.EventBlink:
			if n, ok := ev.Data.(int); ok {
				bar.Set(n)
			}
		case session.EventLivenessExpired:
			bar.Reset()
		case session.EventNoFace:
			if time.Since(lastNoFace) > 2*time.Second {
				bar.Describe("🙈 No face in view")
				lastNoFace = time.Now()
			}
		case session.EventLiveness:
			bar.Describe("✅ Liveness confirmed, hold still")
		}
	}
}

func formatOutcome(o session.Outcome) string {
	switch o.Kind {
	case session.OutcomeEnrolled:
		return fmt.Sprintf("✅ Enrolled as %s", o.Identity)
	case session.OutcomeAuthenticated:
		return fmt.Sprintf("✅ Welcome back, %s (distance %.3f)", o.Identity, deref(o.Distance))
	default:
		if o.Distance != nil {
			return fmt.Sprintf("❌ Rejected: %s (nearest distance %.3f)", o.Reason, *o.Distance)
		}
		return fmt.Sprintf("❌ Rejected: %s", o.Reason)
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// parseDuration accepts Go durations and rejects negatives.
func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", d)
	}
	return d, nil
}
