package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/livematch/internal/runtime"
	"github.com/andresmejia3/livematch/internal/types"
	"github.com/andresmejia3/livematch/internal/utils" // Using the SafeCommand wrapper
)

// Opcodes understood by the Python side.
const (
	opLoad    byte = 'L'
	opImage   byte = 'I'
	opText    byte = 'T'
	opSegment byte = 'S'
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// Config selects the interpreter and script a worker runs.
type Config struct {
	Python  string
	Script  string
	ModelID string
}

// PythonWorker is a model process reached over a framed binary protocol.
// Requests go to stdin; responses come back on a dedicated pipe so library
// chatter on stdout can never corrupt a frame.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu     sync.Mutex // one request on the wire at a time
	logger *zap.Logger
}

func NewPythonWorker(ctx context.Context, id int, cfg Config, logger *zap.Logger) (*PythonWorker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	args := []string{"-u", cfg.Script}
	if cfg.ModelID != "" {
		args = append(args, "--model", cfg.ModelID)
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	logger.Debug("python worker started", zap.Int("worker_id", id), zap.String("script", cfg.Script))
	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		logger:   logger,
	}, nil
}

// Communicate sends one request and reads one response body.
// Protocol: [Length][Op][Payload] -> [Length][Status][Body]
func (w *PythonWorker) Communicate(op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, w.crashed(err)
	}
	if _, err := w.Stdin.Write(append([]byte{op}, payload...)); err != nil {
		return nil, w.crashed(err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.crashed(err) // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.crashed(err)
	}
	return decodeStatus(respBody)
}

func (w *PythonWorker) crashed(err error) error {
	if logs := w.Cmd.Logs(); logs != "" {
		return fmt.Errorf("worker %d pipe failed: %w\n%s", w.ID, err, logs)
	}
	return fmt.Errorf("worker %d pipe failed: %w", w.ID, err)
}

// decodeStatus strips the status byte, turning a Python-side exception into an error.
func decodeStatus(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from python worker")
	}
	if body[0] == statusOK {
		return body[1:], nil
	}
	if body[0] != statusError {
		return nil, fmt.Errorf("unknown python worker status %d", body[0])
	}

	r := bytes.NewReader(body[1:])
	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("malformed python worker error: %w", err)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("malformed python worker error: %w", err)
	}
	return nil, fmt.Errorf("python worker error: %s", msg)
}

// LoadStage asks the worker to load one model component.
func (w *PythonWorker) LoadStage(ctx context.Context, stage runtime.Stage) error {
	_, err := w.Communicate(opLoad, []byte(stage.String()))
	return err
}

// EmbedImage returns the raw image projection for an RGBA buffer.
func (w *PythonWorker) EmbedImage(ctx context.Context, pixels []byte, width, height int) ([]float32, error) {
	resp, err := w.Communicate(opImage, imagePayload(pixels, width, height))
	if err != nil {
		return nil, err
	}
	return decodeVector(resp)
}

// EmbedText returns the raw text projection.
func (w *PythonWorker) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := w.Communicate(opText, []byte(text))
	if err != nil {
		return nil, err
	}
	return decodeVector(resp)
}

// Segment returns the person confidence map of a frame as a grayscale image.
func (w *PythonWorker) Segment(ctx context.Context, f *types.Frame) (*image.Gray, error) {
	resp, err := w.Communicate(opSegment, imagePayload(f.Pix, f.Width, f.Height))
	if err != nil {
		return nil, err
	}
	return decodeMask(resp)
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

func imagePayload(pixels []byte, width, height int) []byte {
	buf := make([]byte, 8, 8+len(pixels))
	binary.BigEndian.PutUint32(buf[0:4], uint32(width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(height))
	return append(buf, pixels...)
}

// decodeVector reads [Dim][Dim x float32].
func decodeVector(body []byte) ([]float32, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("vector response too short: %d bytes", len(body))
	}
	n := binary.BigEndian.Uint32(body[:4])
	if uint64(len(body)-4) != uint64(n)*4 {
		return nil, fmt.Errorf("vector response has %d bytes for %d values", len(body)-4, n)
	}
	vec := make([]float32, n)
	for i := range vec {
		off := 4 + i*4
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(body[off : off+4]))
	}
	return vec, nil
}

// decodeMask reads [Width][Height][Width*Height confidence bytes].
func decodeMask(body []byte) (*image.Gray, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("mask response too short: %d bytes", len(body))
	}
	width := int(binary.BigEndian.Uint32(body[0:4]))
	height := int(binary.BigEndian.Uint32(body[4:8]))
	if width <= 0 || height <= 0 || len(body)-8 != width*height {
		return nil, fmt.Errorf("mask response has %d bytes for %dx%d", len(body)-8, width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, body[8:])
	return img, nil
}
