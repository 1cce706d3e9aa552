package input

// Packed layouts have no row padding: luma rows are Width bytes and chroma
// rows are ceil(Width/2) bytes (twice that for interleaved chroma). This is
// what ffmpeg reads and writes for rawvideo.

type plane struct {
	off    int // offset in the strided layout
	stride int
	poff   int // offset in the packed layout
	prow   int // packed row length
	rows   int
}

func (g Geometry) planes() []plane {
	cw := (g.Width + 1) / 2
	ch := (g.Height + 1) / 2
	rows := g.ChromaHeight()
	if ch < rows {
		rows = ch
	}

	luma := plane{off: 0, stride: g.LumaStride, poff: 0, prow: g.Width, rows: g.Height}
	packedLuma := g.Width * g.Height

	if g.Format.SemiPlanar() {
		return []plane{
			luma,
			{off: g.LumaSize(), stride: 2 * g.ChromaStride, poff: packedLuma, prow: 2 * cw, rows: rows},
		}
	}
	return []plane{
		luma,
		{off: g.LumaSize(), stride: g.ChromaStride, poff: packedLuma, prow: cw, rows: rows},
		{off: g.LumaSize() + g.ChromaSize(), stride: g.ChromaStride, poff: packedLuma + cw*ch, prow: cw, rows: rows},
	}
}

// PackedSize is the byte length of one frame in the packed layout.
func (g Geometry) PackedSize() int {
	cw := (g.Width + 1) / 2
	ch := (g.Height + 1) / 2
	return g.Width*g.Height + 2*cw*ch
}

// IsPacked reports whether the strided layout already equals the packed one.
func (g Geometry) IsPacked() bool {
	return g.LumaStride == g.Width && g.ChromaStride*2 == g.Width && g.Height%2 == 0
}

// Pad copies a packed frame into the strided layout. dst must hold
// TotalSize bytes and src PackedSize bytes.
func (g Geometry) Pad(dst, src []byte) {
	for _, p := range g.planes() {
		for r := 0; r < p.rows; r++ {
			copy(dst[p.off+r*p.stride:p.off+r*p.stride+p.prow], src[p.poff+r*p.prow:p.poff+(r+1)*p.prow])
		}
	}
}

// Unpad copies a strided frame into the packed layout. dst must hold
// PackedSize bytes and src TotalSize bytes.
func (g Geometry) Unpad(dst, src []byte) {
	for _, p := range g.planes() {
		for r := 0; r < p.rows; r++ {
			copy(dst[p.poff+r*p.prow:p.poff+(r+1)*p.prow], src[p.off+r*p.stride:p.off+r*p.stride+p.prow])
		}
	}
}
