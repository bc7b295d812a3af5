package utils

import (
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// WithTempImage persists img as a JPEG under dir, hands the path to fn and removes
// the file again on every exit path, including a panic inside fn.
// pattern follows os.CreateTemp rules, e.g. "face_3_0_*.jpg".
func WithTempImage(dir, pattern string, img image.Image, fn func(path string) error) (err error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
	}

	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = fmt.Errorf("remove temp image: %w", rmErr)
		}
	}()

	if encErr := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(95)); encErr != nil {
		f.Close()
		return fmt.Errorf("encode temp image: %w", encErr)
	}
	if closeErr := f.Close(); closeErr != nil {
		return fmt.Errorf("write temp image: %w", closeErr)
	}

	return fn(path)
}
