package input

import (
	"errors"
	"fmt"
)

// ErrInvalidGeometry is returned for non-positive frame dimensions.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Geometry describes the memory layout of one raw frame: a luma plane
// followed by two chroma planes (or one interleaved plane of the same size).
// Encoder devices validate buffer lengths against TotalSize, so the formulas
// here must not change.
type Geometry struct {
	Width        int
	Height       int
	Format       PixelFormat
	LumaStride   int
	ChromaStride int
	TotalSize    int
}

// ComputeGeometry returns the layout of a width x height frame.
//
//	lumaStride   = align(width, 16)
//	chromaStride = align(width/2, 16)
//	totalSize    = lumaStride*height + 2*(chromaStride*height/2)
func ComputeGeometry(width, height int, format PixelFormat) (Geometry, error) {
	if width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}

	luma := align16(width)
	// ceil(width/32)*16, so odd widths round the half-width up
	chroma := (width + 31) / 32 * 16
	lumaSize := luma * height
	chromaSize := chroma * height / 2

	return Geometry{
		Width:        width,
		Height:       height,
		Format:       format,
		LumaStride:   luma,
		ChromaStride: chroma,
		TotalSize:    lumaSize + 2*chromaSize,
	}, nil
}

func align16(n int) int {
	return (n + 15) &^ 15
}

// LumaSize is the byte length of the luma plane.
func (g Geometry) LumaSize() int {
	return g.LumaStride * g.Height
}

// ChromaHeight is the number of rows in each chroma plane.
func (g Geometry) ChromaHeight() int {
	return g.Height / 2
}

// ChromaSize is the byte length of one chroma plane.
func (g Geometry) ChromaSize() int {
	return g.ChromaStride * g.Height / 2
}

// Resolution returns resolution string like "640x480"
func (g Geometry) Resolution() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}
