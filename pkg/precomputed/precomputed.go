// Package precomputed exposes volumes as neuroglancer "precomputed" image
// sources: an info document describing the volume plus raw chunks addressed
// by "x0-x1_y0-y1_z0-z1" keys.
package precomputed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"zprojector/internal/models"
)

// Source is the range-read capability a displayed volume needs. Reads return
// a new volume holding the selected samples in (channel, z, y, x) order.
type Source interface {
	Shape() models.Shape
	Read(sel models.Selection) (*models.Volume, error)
}

// volumeSource serves a fully materialized volume.
type volumeSource struct {
	vol *models.Volume
}

// NewVolumeSource adapts a materialized volume to Source.
func NewVolumeSource(vol *models.Volume) Source {
	return volumeSource{vol: vol}
}

func (s volumeSource) Shape() models.Shape {
	return s.vol.Shape
}

func (s volumeSource) Read(sel models.Selection) (*models.Volume, error) {
	return s.vol.Subvolume(sel)
}

// Scale describes one resolution level of the volume.
type Scale struct {
	Key         string     `json:"key"`
	Size        [3]int     `json:"size"`       // x, y, z voxels
	Resolution  [3]float64 `json:"resolution"` // x, y, z nanometers
	ChunkSizes  [][3]int   `json:"chunk_sizes"`
	Encoding    string     `json:"encoding"` // only "raw"
	VoxelOffset [3]int     `json:"voxel_offset"`
}

// Info is the precomputed "info" document.
type Info struct {
	StoreType   string  `json:"@type"`     // "neuroglancer_multiscale_volume"
	VolumeType  string  `json:"type"`      // "image"
	DataType    string  `json:"data_type"` // "uint8"
	NumChannels int     `json:"num_channels"`
	Scales      []Scale `json:"scales"`
}

// ScaleKey names the single full-resolution scale.
const ScaleKey = "s0"

// ErrUnknownUnit is returned for a length unit Nanometers cannot convert.
var ErrUnknownUnit = errors.New("unknown length unit")

// nanometersPer holds the size of each supported unit in nanometers.
var nanometersPer = map[string]float64{
	"pm": 1e-3,
	"nm": 1,
	"um": 1e3,
	"µm": 1e3,
	"mm": 1e6,
	"cm": 1e7,
	"m":  1e9,
}

// Nanometers converts an x, y, z voxel size given in units to nanometers,
// the unit of the info resolution field. An empty unit means nanometers.
func Nanometers(size [3]float64, units string) ([3]float64, error) {
	if units == "" {
		units = "nm"
	}
	f, ok := nanometersPer[units]
	if !ok {
		return size, fmt.Errorf("%q: %w", units, ErrUnknownUnit)
	}
	return [3]float64{size[0] * f, size[1] * f, size[2] * f}, nil
}

// NewInfo describes a single-scale uint8 image volume of the given shape.
// resolution is the x, y, z voxel size in nanometers.
func NewInfo(shape models.Shape, resolution [3]float64, chunkSize [3]int) Info {
	return Info{
		StoreType:   "neuroglancer_multiscale_volume",
		VolumeType:  "image",
		DataType:    "uint8",
		NumChannels: shape.Channels,
		Scales: []Scale{{
			Key:         ScaleKey,
			Size:        [3]int{shape.Width, shape.Height, shape.Depth},
			Resolution:  resolution,
			ChunkSizes:  [][3]int{chunkSize},
			Encoding:    "raw",
			VoxelOffset: [3]int{0, 0, 0},
		}},
	}
}

// Bounds is the spatial box addressed by a chunk key.
type Bounds struct {
	X, Y, Z models.Range
}

// Key formats b the way neuroglancer requests it.
func (b Bounds) Key() string {
	return fmt.Sprintf("%d-%d_%d-%d_%d-%d", b.X.Start, b.X.Stop, b.Y.Start, b.Y.Stop, b.Z.Start, b.Z.Stop)
}

// ParseChunkKey parses "x0-x1_y0-y1_z0-z1".
func ParseChunkKey(key string) (Bounds, error) {
	var b Bounds
	parts := strings.Split(key, "_")
	if len(parts) != 3 {
		return b, fmt.Errorf("chunk key %q must have three ranges", key)
	}
	axes := []*models.Range{&b.X, &b.Y, &b.Z}
	for i, part := range parts {
		lohi := strings.Split(part, "-")
		if len(lohi) != 2 {
			return b, fmt.Errorf("chunk key %q: bad range %q", key, part)
		}
		lo, err := strconv.Atoi(lohi[0])
		if err != nil {
			return b, fmt.Errorf("chunk key %q: %w", key, err)
		}
		hi, err := strconv.Atoi(lohi[1])
		if err != nil {
			return b, fmt.Errorf("chunk key %q: %w", key, err)
		}
		if lo >= hi {
			return b, fmt.Errorf("chunk key %q: empty range %q", key, part)
		}
		*axes[i] = models.Range{Start: lo, Stop: hi}
	}
	return b, nil
}

// ReadChunk reads the chunk b from src and returns its raw encoding: uint8
// samples ordered channel, z, y, x with x varying fastest. Chunks that reach
// outside the source return an error wrapping models.ErrOutOfRange.
func ReadChunk(src Source, b Bounds) ([]byte, error) {
	vol, err := src.Read(models.Selection{Z: b.Z, Y: b.Y, X: b.X})
	if err != nil {
		return nil, err
	}
	return vol.Data, nil
}
