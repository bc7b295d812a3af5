package sampler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/utils"
)

const megabyte = 1024 * 1024

// Policy decides which decoded frames are emitted.
type Policy string

const (
	// PolicyInterval keeps one frame every Interval decoded frames.
	PolicyInterval Policy = "interval"
	// PolicyFacePresence uses the same cadence but drops frames without a face.
	PolicyFacePresence Policy = "face"
)

// Options configures a sampling run.
type Options struct {
	IntervalSeconds float64
	EveryFrame      bool
	Policy          Policy
	Extractor       *faces.Extractor // required by PolicyFacePresence
	Logger          *slog.Logger

	// OnDecoded is called for every decoded frame, sampled or not.
	OnDecoded func()
}

// Interval converts a cadence in seconds to a decoded-frame stride. The result is
// never below 1, including for NaN, infinite or non-positive inputs.
func Interval(fps, seconds float64) int {
	n := math.Round(fps * seconds)
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 1 {
		return 1
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// Stream is a lazy, finite, non-restartable sequence of sampled frames. It owns the
// decoder process for its whole life.
type Stream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	scanner *bufio.Scanner
	info    types.VideoInfo
	opts    Options
	logger  *slog.Logger

	decoded int
	sampled int
	frame   types.SampledFrame
	err     error
	done    bool
	closed  bool
}

// Open validates the path, probes the frame rate and starts the decoder. A missing
// path, a directory or a missing ffmpeg binary is an error; a file ffmpeg cannot
// decode produces an empty stream.
func Open(ctx context.Context, path string, opts Options) (*Stream, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("input file does not exist: %w", err)
		}
		return nil, fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("input path %s is a directory, expected a video file", path)
	}
	if opts.Policy == PolicyFacePresence && opts.Extractor == nil {
		return nil, errors.New("face-presence sampling needs a face extractor")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	logger := logging.Component(opts.Logger, "sampler")

	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		// Still try to decode; the cadence falls back to every frame.
		logger.Warn("could not determine frame rate", slog.String("path", path), logging.Err(err))
	}
	interval := Interval(fps, opts.IntervalSeconds)
	if opts.EveryFrame {
		interval = 1
	}

	cmd := utils.NewFFmpegCmd(ctx, path)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	s := newStream(ctx, stdout, types.VideoInfo{Path: path, FPS: fps, Interval: interval}, opts, logger)
	s.cmd = cmd
	s.stderr = stderr
	logger.Debug("decoder started", slog.String("path", path), slog.Float64("fps", fps), slog.Int("interval", interval))
	return s, nil
}

func newStream(ctx context.Context, r io.ReadCloser, info types.VideoInfo, opts Options, logger *slog.Logger) *Stream {
	if info.Interval < 1 {
		info.Interval = 1
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &Stream{
		ctx:     ctx,
		stdout:  r,
		scanner: scanner,
		info:    info,
		opts:    opts,
		logger:  logger,
	}
}

// Info describes the source and the effective cadence.
func (s *Stream) Info() types.VideoInfo { return s.info }

// Decoded is the number of frames read from the decoder so far.
func (s *Stream) Decoded() int { return s.decoded }

// Sampled is the number of frames emitted so far.
func (s *Stream) Sampled() int { return s.sampled }

// Frame returns the frame produced by the last successful Scan.
func (s *Stream) Frame() types.SampledFrame { return s.frame }

// Err returns the first non-decoding error, such as cancellation.
func (s *Stream) Err() error { return s.err }

// Scan advances to the next sampled frame. It returns false at the end of the video,
// on cancellation or after Close.
func (s *Stream) Scan() bool {
	if s.done || s.closed {
		return false
	}

	for s.scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			s.finish()
			return false
		}

		n := s.decoded
		s.decoded++
		if s.opts.OnDecoded != nil {
			s.opts.OnDecoded()
		}
		// Skip-and-keep: decoded frame n is kept when n is a multiple of the stride
		if n%s.info.Interval != 0 {
			continue
		}

		data := bytes.Clone(s.scanner.Bytes())
		frame := types.SampledFrame{Index: s.sampled, Data: data, Source: s.info}

		if s.opts.Policy == PolicyFacePresence {
			found, ok := s.detect(n, data)
			if !ok || len(found) == 0 {
				continue
			}
			frame.Faces = found
		}

		s.sampled++
		s.frame = frame
		return true
	}

	if err := s.scanner.Err(); err != nil {
		// Corrupt or truncated streams end the sequence; what was sampled stands.
		s.logger.Warn("frame scanner stopped", slog.String("path", s.info.Path), logging.Err(err))
	}
	s.finish()
	return false
}

func (s *Stream) detect(decodedIndex int, data []byte) ([]types.FaceDetection, bool) {
	img, err := faces.DecodeFrame(data)
	if err != nil {
		s.logger.Warn("skipping undecodable frame", slog.Int("frame", decodedIndex), logging.Err(err))
		return nil, false
	}
	found, err := s.opts.Extractor.Extract(s.ctx, img)
	if err != nil {
		s.logger.Warn("face filter failed", slog.Int("frame", decodedIndex), logging.Err(err))
		return nil, false
	}
	return found, true
}

// finish reaps the decoder after the stream is exhausted.
func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	if s.cmd == nil {
		return
	}

	err := s.cmd.Wait()
	switch {
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	case err != nil:
		attrs := []any{slog.String("path", s.info.Path), logging.Err(err)}
		if s.stderr != nil && s.stderr.Len() > 0 {
			attrs = append(attrs, slog.String("ffmpeg", s.stderr.String()))
		}
		s.logger.Warn("video could not be fully decoded", attrs...)
	}
}

// Close stops the decoder if it is still running. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.done {
		return nil
	}
	s.done = true

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.stdout.Close()
	if s.cmd != nil {
		// Killed on purpose, the exit status carries no information
		s.cmd.Wait()
	}
	return nil
}

// Collect drains a stream into memory. It returns the sampled frames and the number of
// decoded frames. An undecodable video yields no frames and no error.
func Collect(ctx context.Context, path string, opts Options) ([]types.SampledFrame, int, error) {
	s, err := Open(ctx, path, opts)
	if err != nil {
		return nil, 0, err
	}
	defer s.Close()
	return drain(s)
}

func drain(s *Stream) ([]types.SampledFrame, int, error) {
	frames := []types.SampledFrame{}
	for s.Scan() {
		frames = append(frames, s.Frame())
	}
	if err := s.Err(); err != nil {
		return nil, s.Decoded(), err
	}
	return frames, s.Decoded(), nil
}
