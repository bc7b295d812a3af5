package onnx

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	EmbedderInputSize = 160
	EmbeddingDim      = 512
)

// Embedder runs a Facenet-style model: input [1,3,160,160] standardised as
// (v-127.5)/128, output [1,512]. Returned vectors are L2-normalised.
type Embedder struct {
	sess  *session
	model string
}

// NewEmbedder loads the model at path. name is what Model reports and what gallery
// caches are keyed by.
func NewEmbedder(path, name string, threads int) (*Embedder, error) {
	sess, err := newSession(path,
		ort.NewShape(1, 3, EmbedderInputSize, EmbedderInputSize),
		ort.NewShape(1, EmbeddingDim),
		threads)
	if err != nil {
		return nil, err
	}
	return &Embedder{sess: sess, model: name}, nil
}

// Embed returns the normalised embedding of a face crop.
func (e *Embedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resized := imaging.Resize(img, EmbedderInputSize, EmbedderInputSize, imaging.Linear)
	fillCHW(e.sess.in.GetData(), resized, standardise)

	if err := e.sess.s.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	return utils.Normalize(e.sess.out.GetData()), nil
}

// Model returns the configured model name.
func (e *Embedder) Model() string {
	return e.model
}

// Close destroys the session.
func (e *Embedder) Close() error {
	return e.sess.destroy()
}

func standardise(v uint8) float32 {
	return (float32(v) - 127.5) / 128.0
}
