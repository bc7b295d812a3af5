package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/castfinder/internal/faces"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the onnxruntime shared library and creates the global environment. It is
// safe to call more than once; only the first call does any work.
func Init(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("initialize onnxruntime: %w", err)
		}
	})
	return initErr
}

// Shutdown releases the onnxruntime environment. Sessions must be closed first.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// session owns one model session plus its pre-allocated input and output tensors.
type session struct {
	s   *ort.AdvancedSession
	in  *ort.Tensor[float32]
	out *ort.Tensor[float32]
}

func newSession(modelPath string, inShape, outShape ort.Shape, threads int) (*session, error) {
	if !ort.IsInitialized() {
		return nil, errors.New("onnxruntime is not initialized")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", modelPath, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", modelPath)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	if threads > 0 {
		options.SetIntraOpNumThreads(threads)
		options.SetInterOpNumThreads(1)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	s, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session for %s: %w", modelPath, err)
	}
	return &session{s: s, in: inputTensor, out: outputTensor}, nil
}

func (s *session) destroy() error {
	var errs []error
	if s.s != nil {
		errs = append(errs, s.s.Destroy())
	}
	if s.in != nil {
		errs = append(errs, s.in.Destroy())
	}
	if s.out != nil {
		errs = append(errs, s.out.Destroy())
	}
	return errors.Join(errs...)
}

// Config selects the models for one Engine.
type Config struct {
	DetectorModel string
	EmbedderModel string
	ModelName     string // reported by Model(), e.g. "Facenet512"
	Confidence    float64
	Threads       int
}

// Engine pairs a detector and an embedder with their own sessions. Engines must not be
// shared between goroutines.
type Engine struct {
	Detector *Detector
	Embedder *Embedder
}

// Open creates both sessions. Init must have been called.
func Open(cfg Config) (*Engine, error) {
	det, err := NewDetector(cfg.DetectorModel, cfg.Confidence, cfg.Threads)
	if err != nil {
		return nil, err
	}
	emb, err := NewEmbedder(cfg.EmbedderModel, cfg.ModelName, cfg.Threads)
	if err != nil {
		det.Close()
		return nil, err
	}
	return &Engine{Detector: det, Embedder: emb}, nil
}

// Close releases both sessions.
func (e *Engine) Close() error {
	return errors.Join(e.Detector.Close(), e.Embedder.Close())
}

// Detect delegates to the detector session.
func (e *Engine) Detect(ctx context.Context, img image.Image) ([]faces.Detection, error) {
	return e.Detector.Detect(ctx, img)
}

// Embed delegates to the embedder session.
func (e *Engine) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	return e.Embedder.Embed(ctx, img)
}

// Model reports the embedder's model name.
func (e *Engine) Model() string {
	return e.Embedder.Model()
}
