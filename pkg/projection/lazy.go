package projection

import (
	"zprojector/internal/models"
)

// LazyProjector is a read-only view of the projected volume that computes
// each requested slice from the original at read time. It holds only the
// original volume and the window half-width; nothing is precomputed or
// cached, so every Read costs one window reduction per requested slice.
//
// A LazyProjector is safe for concurrent reads as long as the original
// volume is not modified.
type LazyProjector struct {
	original  *models.Volume
	numLayers int
}

// Wrap returns a lazy view of the projection of original.
func Wrap(original *models.Volume, numLayers int) (*LazyProjector, error) {
	if err := validate(original, numLayers); err != nil {
		return nil, err
	}
	return &LazyProjector{original: original, numLayers: numLayers}, nil
}

// WithNumLayers returns a new view of the same original with another window
// half-width. The receiver is unchanged, so readers holding it are not
// disturbed.
func (p *LazyProjector) WithNumLayers(numLayers int) (*LazyProjector, error) {
	if err := validateLayers(numLayers); err != nil {
		return nil, err
	}
	return &LazyProjector{original: p.original, numLayers: numLayers}, nil
}

func (p *LazyProjector) NumLayers() int {
	return p.numLayers
}

// Shape is the shape of the virtual projected volume, which is that of the
// original.
func (p *LazyProjector) Shape() models.Shape {
	return p.original.Shape
}

// Read returns the projected samples addressed by sel as a new volume whose
// Z axis has sel.Z.Len() slices. Selections reaching outside the volume are
// rejected with ErrOutOfRange instead of being clamped.
func (p *LazyProjector) Read(sel models.Selection) (*models.Volume, error) {
	src := p.original
	if err := src.Shape.Check(sel); err != nil {
		return nil, err
	}
	channels := sel.ResolveChannels(src.Shape)
	out := models.NewVolume(models.Shape{
		Channels: len(channels),
		Depth:    sel.Z.Len(),
		Height:   sel.Y.Len(),
		Width:    sel.X.Len(),
	})
	out.VoxelSize = src.VoxelSize

	x0, x1 := sel.X.Start, sel.X.Stop
	for oc, c := range channels {
		for z := sel.Z.Start; z < sel.Z.Stop; z++ {
			lo, hi := ClampedWindow(z, p.numLayers, src.Shape.Depth)
			for y := sel.Y.Start; y < sel.Y.Stop; y++ {
				row := out.Row(oc, z-sel.Z.Start, y-sel.Y.Start)
				copy(row, src.Row(c, lo, y)[x0:x1])
				for zz := lo + 1; zz <= hi; zz++ {
					maxInto(row, src.Row(c, zz, y)[x0:x1])
				}
			}
		}
	}
	return out, nil
}
