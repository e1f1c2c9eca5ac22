package projection

// ClampedWindow returns the inclusive range [lo, hi] of Z indices that take
// part in the projection of slice z. The window holds numLayers slices on
// each side of z and is truncated at the stack boundaries, so it shrinks near
// the edges instead of wrapping or padding.
func ClampedWindow(z, numLayers, zSize int) (lo, hi int) {
	if numLayers > zSize {
		numLayers = zSize
	}
	lo = z - numLayers
	if lo < 0 {
		lo = 0
	}
	hi = z + numLayers
	if hi > zSize-1 {
		hi = zSize - 1
	}
	return lo, hi
}

// maxInto stores the elementwise maximum of dst and src in dst.
func maxInto(dst, src []uint8) {
	src = src[:len(dst)]
	for i, v := range src {
		dst[i] = max(dst[i], v)
	}
}
