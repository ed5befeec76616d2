package session

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/faceauth/internal/logging"
	"github.com/andresmejia3/faceauth/internal/store"
	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/andresmejia3/faceauth/internal/worker"
)

// eyeWithEAR builds six landmarks whose aspect ratio is exactly e (horizontal span 4).
func eyeWithEAR(e float64) types.EyeLandmarks {
	h := 2 * e // half of the vertical span 4e
	return types.EyeLandmarks{
		{X: 0, Y: 0},
		{X: 1, Y: h},
		{X: 3, Y: h},
		{X: 4, Y: 0},
		{X: 3, Y: -h},
		{X: 1, Y: -h},
	}
}

// fakeAnalyzer decodes the frame payload: a float is the EAR of a single
// face, "none" is an empty frame, "broken" a face with degenerate landmarks.
type fakeAnalyzer struct {
	mu       sync.Mutex
	extract  func(ctx context.Context) (types.Embedding, error)
	extracts int
}

func (f *fakeAnalyzer) Detect(ctx context.Context, frame []byte) ([]types.Face, error) {
	switch s := string(frame); s {
	case "none":
		return nil, nil
	case "broken":
		return []types.Face{{}}, nil
	case "crash":
		return nil, errors.New("worker died")
	default:
		e, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		face := types.Face{Loc: types.Box{0, 10, 10, 0}, LeftEye: eyeWithEAR(e), RightEye: eyeWithEAR(e)}
		// A second face must not influence blink counting.
		other := types.Face{LeftEye: eyeWithEAR(0.01), RightEye: eyeWithEAR(0.01)}
		return []types.Face{face, other}, nil
	}
}

func (f *fakeAnalyzer) Extract(ctx context.Context, frame []byte, box types.Box) (types.Embedding, error) {
	f.mu.Lock()
	f.extracts++
	fn := f.extract
	f.mu.Unlock()
	if fn == nil {
		return types.Embedding{1, 2, 3}, nil
	}
	return fn(ctx)
}

func (f *fakeAnalyzer) setExtract(fn func(ctx context.Context) (types.Embedding, error)) {
	f.mu.Lock()
	f.extract = fn
	f.mu.Unlock()
}

func fixedEmbedding(emb types.Embedding) func(context.Context) (types.Embedding, error) {
	return func(context.Context) (types.Embedding, error) { return emb, nil }
}

// blinks returns n closed/open sequences that each count as one blink.
func blinks(n int) []float64 {
	var seq []float64
	for i := 0; i < n; i++ {
		seq = append(seq, 0.1, 0.1, 0.1, 0.9)
	}
	return seq
}

func newFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "users.json"), 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return st
}

func newTestChannel(t *testing.T, st store.EnrollmentStore) (*Channel, *fakeAnalyzer) {
	t.Helper()
	fa := &fakeAnalyzer{}
	return NewChannel("test", DefaultConfig(), fa, st, logging.Discard()), fa
}

// submit feeds EAR values as frames and returns the outcome of each.
func submit(t *testing.T, c *Channel, handle string, ears ...float64) []FrameOutcome {
	t.Helper()
	var outs []FrameOutcome
	for _, e := range ears {
		out, err := c.SubmitFrame(context.Background(), handle, frameOf(strconv.FormatFloat(e, 'f', -1, 64)))
		if err != nil {
			t.Fatalf("SubmitFrame(%v): %v", e, err)
		}
		outs = append(outs, out)
	}
	return outs
}

var frameIndex int

func frameOf(payload string) types.Frame {
	frameIndex++
	return types.Frame{Index: frameIndex, Data: []byte(payload)}
}

func last(outs []FrameOutcome) FrameOutcome { return outs[len(outs)-1] }

func TestEnrollFlow(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	c, _ := newTestChannel(t, st)

	handle, err := c.Start(ctx, ModeEnroll, "  alice ")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	outs := submit(t, c, handle, blinks(2)...)
	for i, out := range outs[:len(outs)-1] {
		if out.Status != FrameContinue {
			t.Fatalf("frame %d: expected continue, got %s", i, out.Status)
		}
	}
	if outs[3].Blinks != 1 {
		t.Errorf("expected one blink after first sequence, got %d", outs[3].Blinks)
	}

	final := last(outs)
	if final.Status != FrameTerminal || final.Outcome == nil {
		t.Fatalf("expected terminal outcome, got %+v", final)
	}
	if final.Outcome.Kind != OutcomeEnrolled || final.Outcome.Identity != "alice" {
		t.Errorf("unexpected outcome %+v", final.Outcome)
	}

	if ok, _ := st.Has(ctx, "alice"); !ok {
		t.Error("enrollment not committed")
	}

	status, err := c.Status(handle)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateCompleted || status.Result != "enrolled" {
		t.Errorf("unexpected status %+v", status)
	}

	// Frames after the terminal outcome are dropped, never re-dispatched.
	if out := submit(t, c, handle, 0.9)[0]; out.Status != FrameDropped {
		t.Errorf("expected dropped frame after completion, got %s", out.Status)
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	st.Put(ctx, "alice", types.Embedding{0, 0, 0})
	st.Put(ctx, "bob", types.Embedding{1, 1, 1})

	tests := []struct {
		name     string
		probe    types.Embedding
		kind     OutcomeKind
		identity string
		distance float64
	}{
		{name: "accepted", probe: types.Embedding{0.1, 0, 0}, kind: OutcomeAuthenticated, identity: "alice", distance: 0.1},
		{name: "nearest wins", probe: types.Embedding{0.9, 1, 1}, kind: OutcomeAuthenticated, identity: "bob", distance: 0.1},
		{name: "rejected", probe: types.Embedding{5, 5, 5}, kind: OutcomeRejected, distance: math.Sqrt(48)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fa := newTestChannel(t, st)
			fa.setExtract(fixedEmbedding(tt.probe))

			handle, err := c.Start(ctx, ModeLogin, "")
			if err != nil {
				t.Fatal(err)
			}
			out := last(submit(t, c, handle, blinks(2)...))
			if out.Status != FrameTerminal {
				t.Fatalf("expected terminal, got %s", out.Status)
			}
			o := out.Outcome
			if o.Kind != tt.kind || o.Identity != tt.identity {
				t.Errorf("got %+v, want %s %q", o, tt.kind, tt.identity)
			}
			if o.Distance == nil || math.Abs(*o.Distance-tt.distance) > 1e-9 {
				t.Errorf("distance = %v, want %v", o.Distance, tt.distance)
			}
			if tt.kind == OutcomeRejected && o.Reason != ReasonNoMatch {
				t.Errorf("reason = %q", o.Reason)
			}
		})
	}
}

func TestLogin_NoEnrolledUsers(t *testing.T) {
	c, _ := newTestChannel(t, newFileStore(t))
	handle, _ := c.Start(context.Background(), ModeLogin, "")

	out := last(submit(t, c, handle, blinks(2)...))
	if out.Outcome == nil || out.Outcome.Kind != OutcomeRejected || out.Outcome.Reason != ReasonNoEnrolledUsers {
		t.Fatalf("expected rejection for empty store, got %+v", out)
	}
	if out.Outcome.Identity != "" {
		t.Errorf("no identity may be chosen for an empty store, got %q", out.Outcome.Identity)
	}
}

func TestStart_ProtocolErrors(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	st.Put(ctx, "alice", types.Embedding{0, 0, 0})
	c, _ := newTestChannel(t, st)

	if _, err := c.Start(ctx, ModeEnroll, "   "); !errors.Is(err, ErrIdentityRequired) {
		t.Errorf("expected ErrIdentityRequired, got %v", err)
	}
	if _, err := c.Start(ctx, ModeEnroll, "alice"); !errors.Is(err, store.ErrIdentityTaken) {
		t.Errorf("expected identity taken, got %v", err)
	}
	// Protocol errors leave the channel idle.
	if _, err := c.Poll(); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected no session, got %v", err)
	}

	first, err := c.Start(ctx, ModeLogin, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Start(ctx, ModeEnroll, "bob"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}

	if err := c.Cancel(first); err != nil {
		t.Fatal(err)
	}
	// Idempotent
	if err := c.Cancel(first); err != nil {
		t.Errorf("second cancel: %v", err)
	}

	second, err := c.Start(ctx, ModeEnroll, "bob")
	if err != nil {
		t.Fatalf("start after cancel: %v", err)
	}
	if second == first {
		t.Error("handles must be unique")
	}
	// The stale handle no longer addresses the channel.
	if out := submit(t, c, first, 0.9)[0]; out.Status != FrameDropped {
		t.Errorf("expected stale handle to be dropped, got %s", out.Status)
	}
	// Cancelling a superseded session is still a no-op and leaves the new one alone.
	if err := c.Cancel(first); err != nil {
		t.Errorf("cancel of superseded handle: %v", err)
	}
	if st, _ := c.Status(second); st.State != StateActive {
		t.Errorf("second session should stay active, got %s", st.State)
	}
	if err := c.Cancel("never-issued"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession for an unknown handle, got %v", err)
	}
}

func TestInputErrorsKeepSessionActive(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t, newFileStore(t))
	handle, _ := c.Start(ctx, ModeEnroll, "alice")

	out, err := c.SubmitFrame(ctx, handle, frameOf("none"))
	if err != nil || out.Status != FrameNoFace {
		t.Errorf("expected no-face, got %v %v", out.Status, err)
	}
	out, err = c.SubmitFrame(ctx, handle, frameOf("broken"))
	if err != nil || out.Status != FrameContinue {
		t.Errorf("expected continue for invalid landmarks, got %v %v", out.Status, err)
	}
	if _, err := c.SubmitFrame(ctx, handle, frameOf("crash")); err == nil {
		t.Error("expected detector error to be reported")
	}

	status, _ := c.Status(handle)
	if status.State != StateActive || status.Result != "pending" {
		t.Errorf("session should still be pending, got %+v", status)
	}

	// A corrupt frame in the middle of a closed run does not break the blink.
	submit(t, c, handle, 0.1, 0.1)
	c.SubmitFrame(ctx, handle, frameOf("broken"))
	outs := submit(t, c, handle, 0.1, 0.9)
	if last(outs).Blinks != 1 {
		t.Errorf("expected 1 blink, got %d", last(outs).Blinks)
	}
}

func TestStillPhotoNeverPasses(t *testing.T) {
	c, fa := newTestChannel(t, newFileStore(t))
	handle, _ := c.Start(context.Background(), ModeLogin, "")

	ears := make([]float64, 100)
	for i := range ears {
		ears[i] = 0.3
	}
	for _, out := range submit(t, c, handle, ears...) {
		if out.Status != FrameContinue {
			t.Fatalf("constant EAR must never pass liveness, got %s", out.Status)
		}
	}
	if fa.extracts != 0 {
		t.Errorf("extractor called %d times without liveness", fa.extracts)
	}
}

func TestNoEmbeddingRetries(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	c, fa := newTestChannel(t, st)

	calls := 0
	fa.setExtract(func(context.Context) (types.Embedding, error) {
		calls++
		if calls < 3 {
			return nil, worker.ErrNoEmbedding
		}
		return types.Embedding{1, 2, 3}, nil
	})

	handle, _ := c.Start(ctx, ModeEnroll, "alice")
	if out := last(submit(t, c, handle, blinks(2)...)); out.Status != FrameLivenessAchieved {
		t.Fatalf("expected liveness achieved, got %s", out.Status)
	}
	// Liveness is not re-checked: closed eyes are fine now.
	if out := submit(t, c, handle, 0.1)[0]; out.Status != FrameLivenessAchieved {
		t.Fatalf("expected liveness to stay achieved, got %s", out.Status)
	}
	out := submit(t, c, handle, 0.1)[0]
	if out.Status != FrameTerminal || out.Outcome.Kind != OutcomeEnrolled {
		t.Fatalf("expected enrollment on third extraction, got %+v", out)
	}
}

func TestLivenessTTL(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	fa := &fakeAnalyzer{}
	cfg := DefaultConfig()
	cfg.LivenessTTL = time.Second
	c := NewChannel("ttl", cfg, fa, st, logging.Discard())

	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	calls := 0
	fa.setExtract(func(context.Context) (types.Embedding, error) {
		calls++
		if calls == 1 {
			return nil, worker.ErrNoEmbedding
		}
		return types.Embedding{1, 2, 3}, nil
	})

	handle, _ := c.Start(ctx, ModeEnroll, "alice")
	submit(t, c, handle, blinks(2)...)

	now = now.Add(2 * time.Second)
	out := submit(t, c, handle, 0.9)[0]
	if out.Status != FrameContinue || out.Blinks != 0 {
		t.Fatalf("expected liveness to expire, got %+v", out)
	}
	if ok, _ := st.Has(ctx, "alice"); ok {
		t.Fatal("expired liveness must not commit")
	}

	out = last(submit(t, c, handle, blinks(2)...))
	if out.Status != FrameTerminal || out.Outcome.Kind != OutcomeEnrolled {
		t.Fatalf("expected enrollment after re-earning liveness, got %+v", out)
	}
}

func TestCancelDuringExtraction(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	c, fa := newTestChannel(t, st)

	entered := make(chan struct{})
	release := make(chan struct{})
	fa.setExtract(func(context.Context) (types.Embedding, error) {
		close(entered)
		<-release
		return types.Embedding{1, 2, 3}, nil
	})

	handle, _ := c.Start(ctx, ModeEnroll, "alice")
	seq := blinks(2)
	submit(t, c, handle, seq[:len(seq)-1]...)

	result := make(chan FrameOutcome, 1)
	go func() {
		out, _ := c.SubmitFrame(ctx, handle, frameOf("0.9"))
		result <- out
	}()

	<-entered
	if err := c.Cancel(handle); err != nil {
		t.Fatal(err)
	}
	close(release)

	if out := <-result; out.Status != FrameDropped {
		t.Errorf("expected dispatch to be skipped, got %+v", out)
	}
	records, _ := st.All(ctx)
	if len(records) != 0 {
		t.Errorf("cancelled enrollment left %d records", len(records))
	}
	status, _ := c.Status(handle)
	if status.State != StateAborted || status.Result != "cancelled" {
		t.Errorf("unexpected status %+v", status)
	}
}

// blockingStore pauses Put until released.
type blockingStore struct {
	store.EnrollmentStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Put(ctx context.Context, identity string, emb types.Embedding) error {
	close(b.entered)
	<-b.release
	return b.EnrollmentStore.Put(ctx, identity, emb)
}

func TestCancelDuringCommit(t *testing.T) {
	ctx := context.Background()
	inner := newFileStore(t)
	st := &blockingStore{EnrollmentStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestChannel(t, st)

	handle, _ := c.Start(ctx, ModeEnroll, "alice")
	seq := blinks(2)
	submit(t, c, handle, seq[:len(seq)-1]...)

	result := make(chan FrameOutcome, 1)
	go func() {
		out, _ := c.SubmitFrame(ctx, handle, frameOf("0.9"))
		result <- out
	}()

	<-st.entered
	cancelled := make(chan error, 1)
	go func() { cancelled <- c.Cancel(handle) }()

	time.Sleep(20 * time.Millisecond)
	close(st.release)

	out := <-result
	if out.Status != FrameTerminal || out.Outcome.Kind != OutcomeEnrolled {
		t.Fatalf("commit in progress must complete, got %+v", out)
	}
	if err := <-cancelled; err != nil {
		t.Errorf("cancel after completion should be a no-op, got %v", err)
	}
	if ok, _ := inner.Has(ctx, "alice"); !ok {
		t.Error("record missing after completed commit")
	}
	status, _ := c.Status(handle)
	if status.State != StateCompleted {
		t.Errorf("outcome was overwritten: %+v", status)
	}
}

type failingStore struct {
	store.EnrollmentStore
}

func (failingStore) Put(context.Context, string, types.Embedding) error {
	return errors.New("disk full")
}

func TestStoreFailureAborts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t, failingStore{newFileStore(t)})

	handle, _ := c.Start(ctx, ModeEnroll, "alice")
	seq := blinks(2)
	submit(t, c, handle, seq[:len(seq)-1]...)

	if _, err := c.SubmitFrame(ctx, handle, frameOf("0.9")); err == nil {
		t.Fatal("expected commit failure")
	}
	status, _ := c.Status(handle)
	if status.State != StateAborted || status.Result != "failed" || status.Error == "" {
		t.Errorf("unexpected status %+v", status)
	}
	if _, err := c.Start(ctx, ModeLogin, ""); err != nil {
		t.Errorf("channel should be free after failure: %v", err)
	}
}

func TestConcurrentEnrollSameIdentity(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	a, _ := newTestChannel(t, st)
	b, _ := newTestChannel(t, st)

	ha, err := a.Start(ctx, ModeEnroll, "alice")
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.Start(ctx, ModeEnroll, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if out := last(submit(t, a, ha, blinks(2)...)); out.Outcome.Kind != OutcomeEnrolled {
		t.Fatalf("first channel: %+v", out.Outcome)
	}
	out := last(submit(t, b, hb, blinks(2)...))
	if out.Outcome.Kind != OutcomeRejected || out.Outcome.Reason != ReasonIdentityTaken {
		t.Fatalf("second channel: %+v", out.Outcome)
	}
	records, _ := st.All(ctx)
	if len(records) != 1 {
		t.Errorf("expected a single record, got %d", len(records))
	}
}

// sliceSource replays frames and then reports io.EOF.
type sliceSource struct {
	frames []types.Frame
}

func (s *sliceSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if len(s.frames) == 0 {
		return types.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func sourceOf(ears ...float64) *sliceSource {
	src := &sliceSource{}
	for _, e := range ears {
		src.frames = append(src.frames, frameOf(strconv.FormatFloat(e, 'f', -1, 64)))
	}
	return src
}

// stalledSource never produces a frame.
type stalledSource struct{}

func (stalledSource) Next(ctx context.Context) (types.Frame, error) {
	<-ctx.Done()
	return types.Frame{}, ctx.Err()
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t, newFileStore(t))

	handle, _ := c.Start(ctx, ModeEnroll, "alice")
	outcome, err := c.Run(ctx, handle, sourceOf(blinks(2)...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeEnrolled || outcome.Identity != "alice" {
		t.Errorf("unexpected outcome %+v", outcome)
	}
}

func TestRun_SourceEnds(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t, newFileStore(t))

	handle, _ := c.Start(ctx, ModeLogin, "")
	if _, err := c.Run(ctx, handle, sourceOf(blinks(1)...)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	status, _ := c.Status(handle)
	if status.Result != "failed" {
		t.Errorf("expected failed session, got %+v", status)
	}
}

func TestRun_CancelUnblocksFrameWait(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t, newFileStore(t))
	handle, _ := c.Start(ctx, ModeLogin, "")

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, handle, stalledSource{})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.Cancel(handle); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked after cancel")
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t, newFileStore(t))

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	handle, _ := c.Start(ctx, ModeEnroll, "alice")
	submit(t, c, handle, blinks(2)...)

	counts := map[EventType]int{}
	for len(events) > 0 {
		ev := <-events
		if ev.Handle != handle {
			t.Errorf("event for wrong handle: %+v", ev)
		}
		counts[ev.Type]++
	}
	want := map[EventType]int{EventStarted: 1, EventBlink: 2, EventLiveness: 1, EventOutcome: 1}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, counts[typ], n)
		}
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)

	created := 0
	m := NewManager(DefaultConfig(), st, func(ctx context.Context, name string) (Analyzer, error) {
		created++
		return &fakeAnalyzer{}, nil
	}, logging.Discard())

	a1, err := m.Channel(ctx, "kiosk-a")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := m.Channel(ctx, "kiosk-a")
	b, _ := m.Channel(ctx, "kiosk-b")
	if a1 != a2 || a1 == b || created != 2 {
		t.Fatalf("channels not reused: created=%d", created)
	}
	if names := m.Names(); len(names) != 2 || names[0] != "kiosk-a" || names[1] != "kiosk-b" {
		t.Errorf("unexpected names %v", names)
	}

	// Independent channels may each hold an active session.
	ha, err := a1.Start(ctx, ModeLogin, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Start(ctx, ModeLogin, ""); err != nil {
		t.Fatalf("second channel blocked: %v", err)
	}

	m.Close()
	if status, _ := a1.Status(ha); status.State != StateAborted {
		t.Errorf("Close should cancel active sessions, got %s", status.State)
	}
	if _, ok := m.Lookup("kiosk-a"); ok {
		t.Error("channel still registered after Close")
	}
}

func TestManager_FactoryError(t *testing.T) {
	m := NewManager(DefaultConfig(), newFileStore(t), func(context.Context, string) (Analyzer, error) {
		return nil, errors.New("python3 not found")
	}, logging.Discard())

	if _, err := m.Channel(context.Background(), "x"); err == nil {
		t.Fatal("expected factory error")
	}
	if _, ok := m.Lookup("x"); ok {
		t.Error("failed channel must not be registered")
	}
}
