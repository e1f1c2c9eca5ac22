package projection

import (
	"context"

	"golang.org/x/sync/errgroup"

	"zprojector/internal/models"
)

// Project computes the complete sliding-window maximum projection of original
// along Z. Every slice z of every channel becomes the elementwise maximum of
// the slices in ClampedWindow(z, numLayers, depth). The result is a new
// volume of the same shape; original is only read.
func Project(original *models.Volume, numLayers int) (*models.Volume, error) {
	return ProjectContext(context.Background(), original, numLayers, Options{})
}

// ProjectContext is Project with a cancelable context and tuning options.
//
// Slices (naive) or rows (sliding) are independent, so the work is fanned out
// over opts.Workers goroutines. The output does not depend on the strategy
// or on the number of workers. When ctx is canceled the partially filled
// output is dropped and ctx.Err() is returned.
func ProjectContext(ctx context.Context, original *models.Volume, numLayers int, opts Options) (*models.Volume, error) {
	if err := validate(original, numLayers); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := models.NewVolume(original.Shape)
	out.VoxelSize = original.VoxelSize

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())

	s := original.Shape
	switch opts.Strategy {
	case SlidingMax:
		for c := 0; c < s.Channels; c++ {
			for y := 0; y < s.Height; y++ {
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					slideRow(original, out, c, y, numLayers)
					return nil
				})
			}
		}
	default:
		for c := 0; c < s.Channels; c++ {
			for z := 0; z < s.Depth; z++ {
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					projectPlane(original, out, c, z, numLayers)
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// projectPlane writes the projection of slice z of channel c into dst.
func projectPlane(src, dst *models.Volume, c, z, numLayers int) {
	lo, hi := ClampedWindow(z, numLayers, src.Shape.Depth)
	plane := dst.Plane(c, z)
	copy(plane, src.Plane(c, lo))
	for zz := lo + 1; zz <= hi; zz++ {
		maxInto(plane, src.Plane(c, zz))
	}
}

// slideRow projects every z of row y in channel c, running one monotonic
// deque per x column. Window bounds come from ClampedWindow and never move
// backwards as z increases, so every index is pushed and popped at most once.
func slideRow(src, dst *models.Volume, c, y, numLayers int) {
	depth := src.Shape.Depth
	width := src.Shape.Width
	deque := make([]int, 0, depth)
	for x := 0; x < width; x++ {
		deque = deque[:0]
		head, next := 0, 0
		for z := 0; z < depth; z++ {
			lo, hi := ClampedWindow(z, numLayers, depth)
			for ; next <= hi; next++ {
				v := src.At(c, next, y, x)
				for len(deque) > head && src.At(c, deque[len(deque)-1], y, x) <= v {
					deque = deque[:len(deque)-1]
				}
				deque = append(deque, next)
			}
			for deque[head] < lo {
				head++
			}
			dst.Set(c, z, y, x, src.At(c, deque[head], y, x))
		}
	}
}
