package projection

import (
	"errors"
	"fmt"

	"zprojector/internal/models"
)

var (
	// ErrInvalidShape means the volume is empty along some axis or its data
	// does not match its shape.
	ErrInvalidShape = errors.New("invalid volume shape")

	// ErrInvalidParameter means numLayers is negative.
	ErrInvalidParameter = errors.New("invalid projection parameter")

	// ErrOutOfRange means a lazy read asked for samples outside the volume.
	ErrOutOfRange = models.ErrOutOfRange
)

func validate(original *models.Volume, numLayers int) error {
	if original == nil {
		return fmt.Errorf("nil volume: %w", ErrInvalidShape)
	}
	if !original.Shape.Positive() {
		return fmt.Errorf("volume shape %s has an empty axis: %w", original.Shape, ErrInvalidShape)
	}
	if len(original.Data) != original.Shape.NumVoxels() {
		return fmt.Errorf("volume shape %s needs %d samples, have %d: %w",
			original.Shape, original.Shape.NumVoxels(), len(original.Data), ErrInvalidShape)
	}
	return validateLayers(numLayers)
}

func validateLayers(numLayers int) error {
	if numLayers < 0 {
		return fmt.Errorf("numLayers must be non-negative, got %d: %w", numLayers, ErrInvalidParameter)
	}
	return nil
}
