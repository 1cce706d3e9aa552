package encode

import (
	"context"
	"fmt"

	"github.com/video-system/go-capture-encoder/pkg/input"
)

// SelectFormat picks the raw-input color format for mime from the formats
// advertised by every encoder that supports it. Among formats inside the
// accepted YUV range the numerically largest id wins. The rule is a
// "prefer the larger id" heuristic that downstream devices were validated
// against, not a quality ordering; keep it as is.
func SelectFormat(codecs []CodecInfo, mime string) (input.PixelFormat, error) {
	found := false
	best := input.FormatUnknown

	for _, ci := range codecs {
		if !ci.IsEncoder || !ci.Supports(mime) {
			continue
		}
		found = true
		for _, f := range ci.FormatsFor(mime) {
			if f.InYUVRange() && f > best {
				best = f
			}
		}
	}

	if !found {
		return input.FormatUnknown, fmt.Errorf("%w: %s", ErrNoCompatibleEncoder, mime)
	}
	if best == input.FormatUnknown {
		return input.FormatUnknown, fmt.Errorf("%w: %s", ErrNoCompatibleFormat, mime)
	}
	return best, nil
}

// NegotiateFormat runs SelectFormat over every registered encoder.
func NegotiateFormat(ctx context.Context, mime string) (input.PixelFormat, error) {
	return SelectFormat(ListCodecs(ctx), mime)
}
