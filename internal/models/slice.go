package models

import (
	"image"
)

// Slice represents a single decoded Z-plane of a stack with its metadata
type Slice struct {
	// Image is the decoded slice image
	Image image.Image

	// Index is the position of this slice along Z after ordering
	Index int

	// Filename is the original filename of the slice
	Filename string
}
