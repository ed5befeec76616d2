package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/andresmejia3/faceauth/internal/utils" // Using the SafeCommand wrapper
)

var (
	// ErrNoEmbedding is returned by Extract when the worker could not encode the face.
	ErrNoEmbedding = errors.New("no embedding for face region")
	// ErrBroken is returned for every call after the request/response stream
	// lost sync (timeout, short read, undecodable reply).
	ErrBroken = errors.New("worker out of sync")
)

// Request opcodes.
const (
	OpDetect  byte = 'D'
	OpExtract byte = 'E'
)

const (
	statusOK    byte = 0
	statusError byte = 1

	pointsPerFace = 12
	faceRecordLen = 4*4 + pointsPerFace*2*4
	maxFaces      = 64
	maxEmbedding  = 4096
	maxResponse   = 16 << 20
)

type Config struct {
	Command     []string
	ReadTimeout time.Duration
}

// PythonWorker drives one detector/extractor process. Calls are serialised.
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu     sync.Mutex
	broken error
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker %d: empty command", id)
	}
	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one request and returns the payload of a successful response.
// Once a reply cannot be matched to its request the worker stays broken and
// every later call fails with ErrBroken.
func (w *PythonWorker) Communicate(op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, w.broken
	}
	resp, err := w.roundTrip(op, payload)
	if err != nil && !isRemoteError(err) {
		w.breakLocked(err)
	}
	return resp, err
}

// Broken reports the error that put the worker out of sync, if any.
func (w *PythonWorker) Broken() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

func (w *PythonWorker) markBroken(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken == nil {
		w.breakLocked(err)
	}
	return err
}

func (w *PythonWorker) breakLocked(err error) {
	w.broken = fmt.Errorf("worker %d: %w: %v", w.ID, ErrBroken, err)
}

// remoteError is a well-framed error reply; the stream is still in sync.
type remoteError struct{ msg string }

func (e *remoteError) Error() string { return "python worker error: " + e.msg }

func isRemoteError(err error) bool {
	var re *remoteError
	return errors.As(err, &re)
}

func (w *PythonWorker) roundTrip(op byte, payload []byte) ([]byte, error) {
	// Protocol: [Length][Op][Payload]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, err
	}

	// os.Pipe supports deadlines; in-memory pipes used in tests do not.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 {
		return nil, fmt.Errorf("empty response from worker %d", w.ID)
	}
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes from worker %d exceeds limit", respLen, w.ID)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}

	switch respBody[0] {
	case statusOK:
		return respBody[1:], nil
	case statusError:
		rd := bytes.NewReader(respBody[1:])
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		if int64(msgLen) > int64(rd.Len()) {
			return nil, fmt.Errorf("malformed error response: message of %d bytes in %d", msgLen, rd.Len())
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &remoteError{msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown worker status %d", respBody[0])
	}
}

// Detect returns every face found in a JPEG frame, in the order the worker reports them.
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.Communicate(OpDetect, frame)
	if err != nil {
		return nil, err
	}
	faces, err := decodeFaces(resp)
	if err != nil {
		return nil, w.markBroken(err)
	}
	return faces, nil
}

// Extract computes the embedding of the face inside box.
// It returns ErrNoEmbedding when the worker found nothing to encode.
func (w *PythonWorker) Extract(ctx context.Context, frame []byte, box types.Box) (types.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload := new(bytes.Buffer)
	var b [4]int32
	for i, v := range box {
		b[i] = int32(v)
	}
	binary.Write(payload, binary.BigEndian, b)
	payload.Write(frame)

	resp, err := w.Communicate(OpExtract, payload.Bytes())
	if err != nil {
		return nil, err
	}
	emb, err := decodeEmbedding(resp)
	if err != nil && !errors.Is(err, ErrNoEmbedding) {
		return nil, w.markBroken(err)
	}
	return emb, err
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return
	}
	// A worker that is out of sync may still be busy with a stale request.
	if w.Broken() != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Cmd.Wait()
}

// decodeFaces parses [NumFaces] then per face [Box 4×i32][Points 12×(f32,f32)].
func decodeFaces(data []byte) ([]types.Face, error) {
	rd := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}

	if n > maxFaces {
		return nil, fmt.Errorf("implausible face count %d", n)
	}
	if int(n)*faceRecordLen > rd.Len() {
		return nil, fmt.Errorf("face count %d exceeds reply of %d bytes", n, rd.Len())
	}

	faces := make([]types.Face, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(rd, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read face %d box: %w", i, err)
		}
		var pts [pointsPerFace][2]float32
		if err := binary.Read(rd, binary.BigEndian, &pts); err != nil {
			return nil, fmt.Errorf("read face %d landmarks: %w", i, err)
		}

		var f types.Face
		for j, v := range box {
			f.Loc[j] = int(v)
		}
		for j := 0; j < 6; j++ {
			f.LeftEye[j] = types.Point{X: float64(pts[j][0]), Y: float64(pts[j][1])}
			f.RightEye[j] = types.Point{X: float64(pts[j+6][0]), Y: float64(pts[j+6][1])}
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// decodeEmbedding parses [Present u8][Dim u32][Dim×f32].
func decodeEmbedding(data []byte) (types.Embedding, error) {
	rd := bytes.NewReader(data)
	present, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read embedding flag: %w", err)
	}
	if present == 0 {
		return nil, ErrNoEmbedding
	}

	var dim uint32
	if err := binary.Read(rd, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("read embedding dimension: %w", err)
	}
	if dim == 0 || dim > maxEmbedding {
		return nil, fmt.Errorf("implausible embedding dimension %d", dim)
	}
	vec := make([]float32, dim)
	if err := binary.Read(rd, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}

	emb := make(types.Embedding, dim)
	for i, v := range vec {
		emb[i] = float64(v)
	}
	return emb, nil
}
