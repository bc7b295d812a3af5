package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/utils" // Using the SafeCommand wrapper
	"github.com/disintegration/imaging"
)

// ErrWorkerCrashed means the worker process can no longer be talked to: a pipe broke,
// the read deadline passed or the caller gave up mid-request. The process has been
// killed by the time this is returned.
var ErrWorkerCrashed = errors.New("worker crashed")

// Config describes how to spawn a worker engine.
type Config struct {
	Command     []string
	ReadTimeout time.Duration
}

// Worker is one out-of-process engine. It satisfies faces.Detector and the matcher's
// Embedder. A Worker serialises its own requests; give each goroutine its own Worker.
type Worker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	model   string

	mu        sync.Mutex
	dead      bool
	closeOnce sync.Once
}

// Start spawns the worker command with an extra data pipe on fd 3 and asks it for its
// embedding model name.
func Start(ctx context.Context, id int, cfg Config) (*Worker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	cmd := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	wk := &Worker{
		ID:       id,
		Cmd:      cmd,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}

	model, err := wk.QueryModel(ctx)
	if err != nil {
		wk.Close()
		return nil, fmt.Errorf("worker %d handshake: %w", id, err)
	}
	wk.model = model
	return wk, nil
}

// Model returns the embedding model reported by the worker at startup.
func (w *Worker) Model() string {
	return w.model
}

// QueryModel asks the worker which embedding model it serves.
func (w *Worker) QueryModel(ctx context.Context) (string, error) {
	body, err := w.roundTrip(ctx, OpModel, nil)
	if err != nil {
		return "", err
	}
	return decodeModel(body)
}

// Detect sends img to the worker and returns the faces it found.
func (w *Worker) Detect(ctx context.Context, img image.Image) ([]faces.Detection, error) {
	payload, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	body, err := w.roundTrip(ctx, OpDetect, payload)
	if err != nil {
		return nil, err
	}
	return decodeDetections(body)
}

// Embed sends a face crop to the worker and returns its embedding.
func (w *Worker) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	payload, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	body, err := w.roundTrip(ctx, OpEmbed, payload)
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(body)
}

// roundTrip performs one request while enforcing the read deadline. Any transport
// failure leaves the stream in an unknown state, so the process is killed.
func (w *Worker) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return nil, fmt.Errorf("%w: worker %d is not running", ErrWorkerCrashed, w.ID)
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(op, payload)
		done <- reply{body, err}
	}()

	var deadline <-chan time.Time
	if w.timeout > 0 {
		t := time.NewTimer(w.timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			w.kill()
			return nil, fmt.Errorf("%w: worker %d: %w", ErrWorkerCrashed, w.ID, r.err)
		}
		return r.body, nil
	case <-deadline:
		w.kill()
		return nil, fmt.Errorf("%w: worker %d did not answer within %s", ErrWorkerCrashed, w.ID, w.timeout)
	case <-ctx.Done():
		w.kill()
		return nil, fmt.Errorf("%w: worker %d: %w", ErrWorkerCrashed, w.ID, ctx.Err())
	}
}

// Communicate writes one framed request and reads one framed response.
// Protocol: [Length][Op][Payload] -> [Length][Status][Body]
func (w *Worker) Communicate(op byte, payload []byte) ([]byte, error) {
	if err := writeFrame(w.Stdin, op, payload); err != nil {
		return nil, err
	}
	// This is where we catch a worker that died on startup or mid-frame
	return readFrame(w.DataPipe)
}

// kill must be called with mu held.
func (w *Worker) kill() {
	w.dead = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

// Close shuts the worker down and reaps the process. Closing stdin is the signal for a
// healthy worker to exit.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil && w.Cmd.Process != nil {
			if waitErr := w.Cmd.Wait(); waitErr != nil && !w.isDead() {
				err = fmt.Errorf("worker %d exit: %w", w.ID, waitErr)
			}
		}
	})
	return err
}

func (w *Worker) isDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encode request image: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFrame(dst io.Writer, op byte, payload []byte) error {
	if err := binary.Write(dst, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return err
	}
	if _, err := dst.Write([]byte{op}); err != nil {
		return err
	}
	_, err := dst.Write(payload)
	return err
}

func readFrame(src io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(src, body)
	return body, err
}
