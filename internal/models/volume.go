package models

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a selection reaches outside a volume.
var ErrOutOfRange = errors.New("selection out of range")

// Shape is the extent of a volume along (channel, z, y, x).
type Shape struct {
	Channels int `json:"channels"`
	Depth    int `json:"depth"`
	Height   int `json:"height"`
	Width    int `json:"width"`
}

// NumVoxels returns the number of samples held by a volume of this shape.
func (s Shape) NumVoxels() int {
	return s.Channels * s.Depth * s.Height * s.Width
}

// Positive reports whether every axis has at least one sample.
func (s Shape) Positive() bool {
	return s.Channels > 0 && s.Depth > 0 && s.Height > 0 && s.Width > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("(c=%d, z=%d, y=%d, x=%d)", s.Channels, s.Depth, s.Height, s.Width)
}

// Range is the half-open interval [Start, Stop).
type Range struct {
	Start int
	Stop  int
}

// Full returns the range covering an axis of length n.
func Full(n int) Range {
	return Range{Start: 0, Stop: n}
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	if r.Stop < r.Start {
		return 0
	}
	return r.Stop - r.Start
}

func (r Range) within(n int) bool {
	return r.Start >= 0 && r.Start <= r.Stop && r.Stop <= n
}

// Selection addresses a sub-volume: a list of channels plus contiguous
// Z, Y and X ranges. A nil Channels list selects every channel in order.
type Selection struct {
	Channels []int
	Z        Range
	Y        Range
	X        Range
}

// FullSelection selects the whole of a volume with the given shape.
func FullSelection(s Shape) Selection {
	return Selection{
		Z: Full(s.Depth),
		Y: Full(s.Height),
		X: Full(s.Width),
	}
}

// ResolveChannels returns the explicit channel list for a selection.
func (sel Selection) ResolveChannels(s Shape) []int {
	if sel.Channels != nil {
		return sel.Channels
	}
	channels := make([]int, s.Channels)
	for c := range channels {
		channels[c] = c
	}
	return channels
}

// Check verifies that the selection lies inside a volume of shape s.
// Ranges may be empty but never reversed or outside the axis.
func (s Shape) Check(sel Selection) error {
	for _, c := range sel.Channels {
		if c < 0 || c >= s.Channels {
			return fmt.Errorf("channel %d not in [0, %d): %w", c, s.Channels, ErrOutOfRange)
		}
	}
	if !sel.Z.within(s.Depth) {
		return fmt.Errorf("z range [%d, %d) not in [0, %d): %w", sel.Z.Start, sel.Z.Stop, s.Depth, ErrOutOfRange)
	}
	if !sel.Y.within(s.Height) {
		return fmt.Errorf("y range [%d, %d) not in [0, %d): %w", sel.Y.Start, sel.Y.Stop, s.Height, ErrOutOfRange)
	}
	if !sel.X.within(s.Width) {
		return fmt.Errorf("x range [%d, %d) not in [0, %d): %w", sel.X.Start, sel.X.Stop, s.Width, ErrOutOfRange)
	}
	return nil
}

// Volume is a 4D array of 8-bit intensity samples indexed (channel, z, y, x).
// Data is stored in row-major order with x varying fastest.
type Volume struct {
	// Shape holds the extent along each axis
	Shape Shape

	// Data has Shape.NumVoxels() samples
	Data []uint8

	// VoxelSize is the physical size of each voxel, in the units of the
	// coordinate space the volume is displayed in
	VoxelSize [3]float64 // x, y, z
}

// NewVolume allocates a zeroed volume.
func NewVolume(s Shape) *Volume {
	return &Volume{
		Shape: s,
		Data:  make([]uint8, s.NumVoxels()),
	}
}

// Index returns the offset of (c, z, y, x) in Data.
func (v *Volume) Index(c, z, y, x int) int {
	s := v.Shape
	return ((c*s.Depth+z)*s.Height+y)*s.Width + x
}

func (v *Volume) At(c, z, y, x int) uint8 {
	return v.Data[v.Index(c, z, y, x)]
}

func (v *Volume) Set(c, z, y, x int, value uint8) {
	v.Data[v.Index(c, z, y, x)] = value
}

// Plane returns the y*x samples of channel c at depth z. The returned
// slice shares storage with the volume.
func (v *Volume) Plane(c, z int) []uint8 {
	n := v.Shape.Height * v.Shape.Width
	start := v.Index(c, z, 0, 0)
	return v.Data[start : start+n : start+n]
}

// Row returns the x samples at (c, z, y), sharing storage with the volume.
func (v *Volume) Row(c, z, y int) []uint8 {
	start := v.Index(c, z, y, 0)
	end := start + v.Shape.Width
	return v.Data[start:end:end]
}

// Consistent reports whether Data matches the declared shape.
func (v *Volume) Consistent() bool {
	return v.Shape.Positive() && len(v.Data) == v.Shape.NumVoxels()
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Shape: v.Shape, VoxelSize: v.VoxelSize}
	out.Data = make([]uint8, len(v.Data))
	copy(out.Data, v.Data)
	return out
}

// Equal reports whether both volumes have the same shape and samples.
func (v *Volume) Equal(other *Volume) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.Shape == other.Shape && bytes.Equal(v.Data, other.Data)
}

// Subvolume copies the selected samples into a new volume. The result
// never aliases v.
func (v *Volume) Subvolume(sel Selection) (*Volume, error) {
	if err := v.Shape.Check(sel); err != nil {
		return nil, err
	}
	channels := sel.ResolveChannels(v.Shape)
	out := NewVolume(Shape{
		Channels: len(channels),
		Depth:    sel.Z.Len(),
		Height:   sel.Y.Len(),
		Width:    sel.X.Len(),
	})
	out.VoxelSize = v.VoxelSize
	for oc, c := range channels {
		for z := sel.Z.Start; z < sel.Z.Stop; z++ {
			for y := sel.Y.Start; y < sel.Y.Stop; y++ {
				copy(out.Row(oc, z-sel.Z.Start, y-sel.Y.Start), v.Row(c, z, y)[sel.X.Start:sel.X.Stop])
			}
		}
	}
	return out, nil
}
