package renderer

import (
	"context"
	"errors"
	"fmt"

	"github.com/menta2k/synthprep/pkg/ndarray"
	"github.com/menta2k/synthprep/pkg/types"
)

// Renderer places synthetic text onto a normalized image. It returns zero or
// more result instances; an empty slice means no text could be placed and is
// not an error. Implementations must return promptly once ctx is done.
type Renderer interface {
	Render(ctx context.Context, in types.RenderInput) ([]types.Result, error)
}

// Func adapts a function to the Renderer interface.
type Func func(ctx context.Context, in types.RenderInput) ([]types.Result, error)

// Render calls f.
func (f Func) Render(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
	return f(ctx, in)
}

// ErrInvalidResult is wrapped by Validate failures.
var ErrInvalidResult = errors.New("invalid render result")

// Validate checks that a result instance can be persisted: a uint8 raster
// composite and 2 x 4 (x N) bounding-box arrays.
func Validate(res types.Result) error {
	if res.Image == nil {
		return fmt.Errorf("%w: missing composite image", ErrInvalidResult)
	}
	if err := res.Image.Check(); err != nil {
		return fmt.Errorf("%w: composite: %v", ErrInvalidResult, err)
	}
	if res.Image.DType != ndarray.Uint8 || res.Image.Ndim() != 3 || res.Image.Shape[2] != 3 {
		return fmt.Errorf("%w: composite must be HxWx3 uint8, got %s", ErrInvalidResult, res.Image)
	}
	if err := validateBB("charBB", res.CharBB); err != nil {
		return err
	}
	if err := validateBB("wordBB", res.WordBB); err != nil {
		return err
	}
	return nil
}

func validateBB(name string, bb *ndarray.Array) error {
	if bb == nil {
		return fmt.Errorf("%w: missing %s", ErrInvalidResult, name)
	}
	if err := bb.Check(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResult, name, err)
	}
	if bb.Ndim() < 2 || bb.Ndim() > 3 || bb.Shape[0] != 2 || bb.Shape[1] != 4 {
		return fmt.Errorf("%w: %s must be 2x4xN, got %v", ErrInvalidResult, name, bb.Shape)
	}
	return nil
}
