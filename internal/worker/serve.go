package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	"github.com/andresmejia3/castfinder/internal/faces"
)

// Engine is what a worker process needs to answer requests.
type Engine interface {
	Detect(ctx context.Context, img image.Image) ([]faces.Detection, error)
	Embed(ctx context.Context, img image.Image) ([]float32, error)
	Model() string
}

// Serve answers framed requests from in on out until in reaches EOF. Request-level
// failures are reported to the caller as status 1 responses; only I/O errors end the
// loop.
func Serve(ctx context.Context, in io.Reader, out io.Writer, engine Engine, logger *slog.Logger) error {
	for {
		req, err := readFrame(in)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		if len(req) == 0 {
			return errors.New("empty request frame")
		}

		resp := handle(ctx, req[0], req[1:], engine)
		if resp[0] == StatusError {
			logger.Warn("request failed", slog.String("op", string(req[0])), slog.Int("bytes", len(req)-1))
		}

		if err := binary.Write(out, binary.BigEndian, uint32(len(resp))); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if _, err := out.Write(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func handle(ctx context.Context, op byte, payload []byte, engine Engine) []byte {
	switch op {
	case OpModel:
		return encodeModel(engine.Model())
	case OpDetect, OpEmbed:
		img, err := faces.DecodeFrame(payload)
		if err != nil {
			return encodeError(err.Error())
		}
		if op == OpDetect {
			dets, err := engine.Detect(ctx, img)
			if err != nil {
				return encodeError(err.Error())
			}
			return encodeDetections(dets)
		}
		vec, err := engine.Embed(ctx, img)
		if err != nil {
			return encodeError(err.Error())
		}
		return encodeEmbedding(vec)
	default:
		return encodeError(fmt.Sprintf("unknown op %q", op))
	}
}
