package input

import "fmt"

// PixelFormat is a raw-input color format identifier. Values match the
// numeric ids encoders advertise in their capability lists, so ordering
// comparisons between formats are meaningful.
type PixelFormat int

const (
	FormatUnknown            PixelFormat = 0
	FormatYUV411Planar       PixelFormat = 17
	FormatYUV411PackedPlanar PixelFormat = 18
	FormatYUV420Planar       PixelFormat = 19
	FormatYUV420PackedPlanar PixelFormat = 20
	FormatYUV420SemiPlanar   PixelFormat = 21
	FormatYUV422Planar       PixelFormat = 22
	FormatYUV422PackedPlanar PixelFormat = 23
	FormatYUV422SemiPlanar   PixelFormat = 24
)

// Accepted planar/semi-planar YUV range for raw encoder input.
const (
	MinYUVFormat = FormatYUV411Planar
	MaxYUVFormat = FormatYUV422SemiPlanar
)

// InYUVRange reports whether the format lies in the accepted YUV range.
func (p PixelFormat) InYUVRange() bool {
	return p >= MinYUVFormat && p <= MaxYUVFormat
}

// SemiPlanar reports whether chroma is stored as one interleaved plane.
func (p PixelFormat) SemiPlanar() bool {
	return p == FormatYUV420SemiPlanar || p == FormatYUV422SemiPlanar
}

func (p PixelFormat) String() string {
	switch p {
	case FormatYUV411Planar:
		return "yuv411p"
	case FormatYUV411PackedPlanar:
		return "yuv411packedp"
	case FormatYUV420Planar:
		return "yuv420p"
	case FormatYUV420PackedPlanar:
		return "yuv420packedp"
	case FormatYUV420SemiPlanar:
		return "nv12"
	case FormatYUV422Planar:
		return "yuv422p"
	case FormatYUV422PackedPlanar:
		return "yuv422packedp"
	case FormatYUV422SemiPlanar:
		return "nv16"
	default:
		return fmt.Sprintf("format(%d)", int(p))
	}
}

// FormatByName maps an ffmpeg pix_fmt name to its format id.
// Packed-planar variants have no ffmpeg counterpart.
func FormatByName(name string) (PixelFormat, bool) {
	switch name {
	case "yuv411p":
		return FormatYUV411Planar, true
	case "yuv420p":
		return FormatYUV420Planar, true
	case "nv12":
		return FormatYUV420SemiPlanar, true
	case "yuv422p":
		return FormatYUV422Planar, true
	case "nv16":
		return FormatYUV422SemiPlanar, true
	}
	return FormatUnknown, false
}
