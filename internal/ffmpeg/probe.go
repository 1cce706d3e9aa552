package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/video-system/go-capture-encoder/pkg/input"
)

// ErrNoProbe is returned when ffprobe is not installed
var ErrNoProbe = errors.New("ffprobe not available")

// InputInfo describes the first video stream of a file or network input
type InputInfo struct {
	Codec     string
	Width     int
	Height    int
	PixelFmt  string
	Framerate float64
}

// Resolution returns resolution string like "1920x1080"
func (i *InputInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", i.Width, i.Height)
}

// Format maps the native pixel format to a raw encoder input format.
// Inputs in any other layout are converted by ffmpeg.
func (i *InputInfo) Format() (input.PixelFormat, bool) {
	return input.FormatByName(i.PixelFmt)
}

type probeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		PixFmt       string `json:"pix_fmt"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// ProbeInput inspects the first video stream of src with ffprobe
func (f *FFmpeg) ProbeInput(ctx context.Context, src string) (*InputInfo, error) {
	if f.probePath == "" {
		return nil, ErrNoProbe
	}
	cmd := exec.CommandContext(ctx, f.probePath,
		"-v", "quiet",
		"-print_format", "json",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,pix_fmt,r_frame_rate,avg_frame_rate",
		src,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(output)
}

func parseProbe(data []byte) (*InputInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("no video stream")
	}

	s := out.Streams[0]
	info := &InputInfo{
		Codec:    s.CodecName,
		Width:    s.Width,
		Height:   s.Height,
		PixelFmt: s.PixFmt,
	}
	// live inputs often report 0/0 as average
	if info.Framerate = parseFramerate(s.AvgFrameRate); info.Framerate == 0 {
		info.Framerate = parseFramerate(s.RFrameRate)
	}
	return info, nil
}

// parseFramerate parses a framerate string like "30/1" or "30000/1001"
func parseFramerate(s string) float64 {
	var num, den int
	if n, _ := fmt.Sscanf(s, "%d/%d", &num, &den); n == 2 {
		if den == 0 {
			return 0
		}
		return float64(num) / float64(den)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return 0
}

// EncoderPixelFormats returns the pix_fmt names an ffmpeg encoder accepts,
// as listed by "ffmpeg -h encoder=<name>".
func (f *FFmpeg) EncoderPixelFormats(ctx context.Context, encoder string) ([]string, error) {
	cmd := exec.CommandContext(ctx, f.binaryPath, "-hide_banner", "-h", "encoder="+encoder)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("query encoder %s: %w", encoder, err)
	}
	if strings.Contains(string(output), "is not recognized") {
		return nil, fmt.Errorf("encoder %s not available", encoder)
	}
	return parsePixelFormats(string(output)), nil
}

// parsePixelFormats extracts the "Supported pixel formats:" list
func parsePixelFormats(help string) []string {
	const marker = "Supported pixel formats:"
	for _, line := range strings.Split(help, "\n") {
		i := strings.Index(line, marker)
		if i < 0 {
			continue
		}
		return strings.Fields(line[i+len(marker):])
	}
	return nil
}
