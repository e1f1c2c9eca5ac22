// Package loader reads a Z-ordered directory of slice images into a 4D
// (channel, z, y, x) volume of 8-bit samples.
package loader

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/tiff"

	"zprojector/internal/models"
)

// ErrInvalidStack is returned when the slices cannot form a single volume.
var ErrInvalidStack = errors.New("invalid slice stack")

// DefaultIntensityScale reproduces the source data's preprocessing of
// 16-bit samples: v * 10 / 256, truncated to 8 bits.
const DefaultIntensityScale = 10

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// Options controls how slices are turned into samples.
type Options struct {
	// IntensityScale maps each sample v of a 16-bit slice to
	// min(255, v*IntensityScale/256). Samples of 8-bit slices are copied
	// unchanged. Zero means DefaultIntensityScale.
	IntensityScale float64

	// VoxelSize is stored on the returned volume
	VoxelSize [3]float64

	// Logger receives progress messages; nil uses the logrus standard logger
	Logger logrus.FieldLogger
}

// LoadStack loads every slice image in dir, ordered by the number embedded in
// its filename, into a volume. RGB(A) slices give three channels and gray
// slices one; every slice must have the same size and channel count.
func LoadStack(dir string, opts Options) (*models.Volume, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	scale := opts.IntensityScale
	if scale == 0 {
		scale = DefaultIntensityScale
	}
	if scale < 0 {
		return nil, fmt.Errorf("intensity scale must be positive, got %g", scale)
	}

	start := time.Now()
	slices, err := readSlices(dir)
	if err != nil {
		return nil, err
	}

	first := slices[0].Image.Bounds()
	channels := channelCount(slices[0].Image)
	shape := models.Shape{
		Channels: channels,
		Depth:    len(slices),
		Height:   first.Dy(),
		Width:    first.Dx(),
	}
	if !shape.Positive() {
		return nil, fmt.Errorf("slice %s is empty: %w", slices[0].Filename, ErrInvalidStack)
	}

	vol := models.NewVolume(shape)
	vol.VoxelSize = opts.VoxelSize

	for _, s := range slices {
		b := s.Image.Bounds()
		if b.Dx() != shape.Width || b.Dy() != shape.Height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d: %w",
				s.Filename, b.Dx(), b.Dy(), shape.Width, shape.Height, ErrInvalidStack)
		}
		if c := channelCount(s.Image); c != channels {
			return nil, fmt.Errorf("slice %s has %d channels, expected %d: %w",
				s.Filename, c, channels, ErrInvalidStack)
		}
		fillSlice(vol, s, scale)
	}

	log.WithFields(logrus.Fields{
		"dir":      dir,
		"shape":    shape.String(),
		"size":     humanize.Bytes(uint64(len(vol.Data))),
		"duration": time.Since(start).String(),
	}).Info("Loaded slice stack")

	return vol, nil
}

// readSlices decodes and orders the slice images in dir.
func readSlices(dir string) ([]models.Slice, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			imageFiles = append(imageFiles, entry.Name())
		}
	}
	if len(imageFiles) == 0 {
		return nil, fmt.Errorf("no slice images found in %s: %w", dir, ErrInvalidStack)
	}

	// Order by the embedded slice number, falling back to the name so that
	// unnumbered files keep a stable order
	sort.SliceStable(imageFiles, func(i, j int) bool {
		numI, numJ := extractNumber(imageFiles[i]), extractNumber(imageFiles[j])
		if numI != numJ {
			return numI < numJ
		}
		return imageFiles[i] < imageFiles[j]
	})

	slices := make([]models.Slice, len(imageFiles))
	for i, filename := range imageFiles {
		img, err := loadImage(filepath.Join(dir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", filename, err)
		}
		slices[i] = models.Slice{Image: img, Index: i, Filename: filename}
	}
	return slices, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

func channelCount(img image.Image) int {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1
	}
	return 3
}

// is16Bit reports whether img decodes to 16 bits per sample.
func is16Bit(img image.Image) bool {
	switch img.ColorModel() {
	case color.Gray16Model, color.RGBA64Model, color.NRGBA64Model:
		return true
	}
	return false
}

// fillSlice writes the samples of one slice into plane s.Index, rescaling
// them when the slice is 16-bit.
func fillSlice(vol *models.Volume, s models.Slice, scale float64) {
	rescale := narrow
	if is16Bit(s.Image) {
		rescale = func(v uint32) uint8 { return scale16(v, scale) }
	}
	b := s.Image.Bounds()
	for y := 0; y < vol.Shape.Height; y++ {
		for x := 0; x < vol.Shape.Width; x++ {
			px := s.Image.At(b.Min.X+x, b.Min.Y+y)
			if vol.Shape.Channels == 1 {
				g := color.Gray16Model.Convert(px).(color.Gray16)
				vol.Set(0, s.Index, y, x, rescale(uint32(g.Y)))
				continue
			}
			r, g, bl, _ := px.RGBA()
			vol.Set(0, s.Index, y, x, rescale(r))
			vol.Set(1, s.Index, y, x, rescale(g))
			vol.Set(2, s.Index, y, x, rescale(bl))
		}
	}
}

// narrow recovers an 8-bit sample that color.Color widened to 16 bits.
func narrow(v uint32) uint8 {
	return uint8(v >> 8)
}

// scale16 maps a 16-bit sample into 8 bits, saturating at 255.
func scale16(v uint32, scale float64) uint8 {
	f := math.Floor(float64(v) * scale / 256)
	if f > 255 {
		return 255
	}
	return uint8(f)
}
