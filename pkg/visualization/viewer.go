package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"zprojector/internal/models"
)

// SliceViewer extracts 2D planes from a (channel, z, y, x) volume so that an
// original stack and its projection can be inspected without a 3D viewer.
// Volumes with three or more channels render channels 0-2 as RGB; others
// render channel 0 as gray.
type SliceViewer struct {
	// volume holds the samples to render
	volume *models.Volume
}

// NewSliceViewer creates a viewer over volume
func NewSliceViewer(volume *models.Volume) *SliceViewer {
	return &SliceViewer{volume: volume}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *SliceViewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	s := v.volume.Shape
	var width, height int
	var at func(c, i, j int) uint8

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= s.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, s.Width)
		}
		width, height = s.Depth, s.Height
		at = func(c, i, j int) uint8 { return v.volume.At(c, i, j, position) }

	case "y", "Y":
		// XZ plane
		if position >= s.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, s.Height)
		}
		width, height = s.Width, s.Depth
		at = func(c, i, j int) uint8 { return v.volume.At(c, j, position, i) }

	case "z", "Z":
		// XY plane
		if position >= s.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, s.Depth)
		}
		width, height = s.Width, s.Height
		at = func(c, i, j int) uint8 { return v.volume.At(c, position, j, i) }

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	rect := image.Rect(0, 0, width, height)
	if s.Channels >= 3 {
		img := image.NewRGBA(rect)
		for j := 0; j < height; j++ {
			for i := 0; i < width; i++ {
				img.SetRGBA(i, j, color.RGBA{R: at(0, i, j), G: at(1, i, j), B: at(2, i, j), A: 255})
			}
		}
		return img, nil
	}

	img := image.NewGray(rect)
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			img.SetGray(i, j, color.Gray{Y: at(0, i, j)})
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *SliceViewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *SliceViewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Shape.Width
	case "y", "Y":
		maxPos = v.volume.Shape.Height
	case "z", "Z":
		maxPos = v.volume.Shape.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
