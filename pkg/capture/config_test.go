package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/video-system/go-capture-encoder/pkg/encode"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}

	chs := cfg.ChannelConfigs()
	if len(chs) != 1 || chs[0].ID != "default" {
		t.Fatalf("ChannelConfigs() = %+v", chs)
	}
	ch := chs[0]
	if ch.Input.Type != "testpattern" || ch.Input.Resolution != "640x480" || ch.Input.Framerate != 15 {
		t.Errorf("input defaults = %+v", ch.Input)
	}
	if ch.Encode.Codec != encode.MimeAVC || ch.Encode.Bitrate != 125000 || ch.Encode.Framerate != 15 {
		t.Errorf("encode defaults = %+v", ch.Encode)
	}
	if ch.Encode.KeyFrameInterval != 5*time.Second {
		t.Errorf("key frame interval = %v", ch.Encode.KeyFrameInterval)
	}
	if ch.Output.Type != "none" || ch.Buffer.Units != 300 {
		t.Errorf("output/buffer defaults = %+v %+v", ch.Output, ch.Buffer)
	}
	if cfg.API.Port != 8080 || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("shared defaults = %+v %+v", cfg.API, cfg.Log)
	}
}

func TestParseConfigMultiChannelInherits(t *testing.T) {
	t.Setenv("CAM_DEVICE", "/dev/video2")
	yaml := `
encode:
  bitrate: 500000
  input_slots: 6
channels:
  - id: cam1
    input:
      type: v4l2
      device: ${CAM_DEVICE}
      resolution: 1280x720
  - id: cam2
    encode:
      type: loopback
      codec: video/hevc
    output:
      type: file
      path: /tmp/cam2.h265
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsMultiChannel() {
		t.Fatal("IsMultiChannel() = false")
	}

	cam1, cam2 := cfg.Channels[0], cfg.Channels[1]
	if cam1.Input.Device != "/dev/video2" || cam1.Input.Resolution != "1280x720" {
		t.Errorf("cam1 input = %+v", cam1.Input)
	}
	if cam1.Encode.Bitrate != 500000 || cam1.Encode.InputSlots != 6 || cam1.Encode.Codec != encode.MimeAVC {
		t.Errorf("cam1 encode = %+v", cam1.Encode)
	}
	if cam2.Input.Type != "testpattern" || cam2.Encode.Type != "loopback" || cam2.Encode.Codec != encode.MimeHEVC {
		t.Errorf("cam2 = %+v", cam2)
	}
	if cam2.Encode.Bitrate != 500000 || cam2.Output.Path != "/tmp/cam2.h265" {
		t.Errorf("cam2 encode/output = %+v %+v", cam2.Encode, cam2.Output)
	}
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad resolution", "input: {resolution: 0x480}", "resolution"},
		{"bad format", "input: {format: rgb24}", "pixel format"},
		{"negative bitrate", "encode: {bitrate: -1}", "bitrate"},
		{"unknown output", "output: {type: hls}", "output type"},
		{"file without path", "output: {type: file}", "path"},
		{"rtp without address", "output: {type: rtp}", "address"},
		{"duplicate ids", "channels: [{id: a}, {id: a}]", "duplicate"},
		{"missing id", "channels: [{input: {type: testpattern}}]", "without id"},
		{"bad yaml", "input: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseConfig() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api: {port: 9090}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d", cfg.API.Port)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() of a missing file should fail")
	}
}
