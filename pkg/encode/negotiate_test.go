package encode

import (
	"context"
	"errors"
	"testing"

	"github.com/video-system/go-capture-encoder/pkg/input"
)

func codec(name string, encoder bool, mime string, formats ...input.PixelFormat) CodecInfo {
	return CodecInfo{
		Name:         name,
		IsEncoder:    encoder,
		Types:        []string{mime},
		ColorFormats: map[string][]input.PixelFormat{mime: formats},
	}
}

func TestSelectFormat(t *testing.T) {
	tests := []struct {
		name    string
		codecs  []CodecInfo
		want    input.PixelFormat
		wantErr error
	}{
		{
			name:   "largest id in range wins",
			codecs: []CodecInfo{codec("a", true, MimeAVC, 19, 21, 2130708361)},
			want:   input.FormatYUV420SemiPlanar,
		},
		{
			name: "union across encoders",
			codecs: []CodecInfo{
				codec("a", true, MimeAVC, 19),
				codec("b", true, MimeAVC, 22, 16),
				codec("c", true, MimeAVC, 20),
			},
			want: input.FormatYUV422Planar,
		},
		{
			name:   "range bounds inclusive",
			codecs: []CodecInfo{codec("a", true, MimeAVC, 17, 24, 25)},
			want:   input.FormatYUV422SemiPlanar,
		},
		{
			name:   "mime matched case-insensitively",
			codecs: []CodecInfo{codec("a", true, "VIDEO/AVC", 19)},
			want:   input.FormatYUV420Planar,
		},
		{
			name: "decoders ignored",
			codecs: []CodecInfo{
				codec("dec", false, MimeAVC, 24),
				codec("enc", true, MimeAVC, 19),
			},
			want: input.FormatYUV420Planar,
		},
		{
			name:    "no encoder for mime",
			codecs:  []CodecInfo{codec("a", true, MimeHEVC, 19), codec("b", false, MimeAVC, 19)},
			wantErr: ErrNoCompatibleEncoder,
		},
		{
			name:    "nothing in range",
			codecs:  []CodecInfo{codec("a", true, MimeAVC, 16, 25, 2135033992)},
			wantErr: ErrNoCompatibleFormat,
		},
		{
			name:    "no codecs",
			wantErr: ErrNoCompatibleEncoder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectFormat(tt.codecs, MimeAVC)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SelectFormat() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectFormat() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectFormat() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSelectFormatDeterministic(t *testing.T) {
	codecs := []CodecInfo{
		codec("a", true, MimeAVC, 21, 19, 23),
		codec("b", true, MimeAVC, 18, 23),
	}
	first, err := SelectFormat(codecs, MimeAVC)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		// reverse order each time; the result must not depend on it
		codecs[0], codecs[1] = codecs[1], codecs[0]
		got, err := SelectFormat(codecs, MimeAVC)
		if err != nil || got != first {
			t.Fatalf("run %d: SelectFormat() = %d, %v; want %d", i, got, err, first)
		}
	}
}

type stubFactory struct {
	info CodecInfo
	err  error
}

func (f stubFactory) Info(ctx context.Context) (CodecInfo, error) { return f.info, f.err }
func (f stubFactory) New() (Device, error)                        { return NewLoopback(LoopbackOptions{}), nil }

func withFactory(t *testing.T, name string, f Factory) {
	t.Helper()
	Register(name, f)
	t.Cleanup(func() {
		registryMu.Lock()
		delete(Registry, name)
		registryMu.Unlock()
	})
}

func TestListCodecsAndCreate(t *testing.T) {
	withFactory(t, "zz-broken", stubFactory{err: errors.New("probe failed")})
	withFactory(t, "aa-hevc", stubFactory{info: codec("", true, MimeHEVC, 21)})

	codecs := ListCodecs(context.Background())
	names := make(map[string]bool)
	for i, ci := range codecs {
		names[ci.Name] = true
		if i > 0 && codecs[i-1].Name > ci.Name {
			t.Errorf("ListCodecs() not sorted: %s before %s", codecs[i-1].Name, ci.Name)
		}
	}
	if !names["loopback"] || !names["aa-hevc"] {
		t.Errorf("ListCodecs() names = %v", names)
	}
	if names["zz-broken"] {
		t.Error("failing probe should be skipped")
	}

	dev, err := CreateEncoderByType(context.Background(), MimeAVC, input.FormatYUV420Planar)
	if err != nil {
		t.Fatalf("CreateEncoderByType() error = %v", err)
	}
	if dev.Name() != "loopback" {
		t.Errorf("CreateEncoderByType() device = %s", dev.Name())
	}

	if _, err := CreateEncoderByType(context.Background(), MimeAVC, input.FormatYUV422Planar); !errors.Is(err, ErrNoCompatibleEncoder) {
		t.Errorf("unsupported format error = %v", err)
	}

	format, err := NegotiateFormat(context.Background(), MimeHEVC)
	if err != nil {
		t.Fatal(err)
	}
	if format != input.FormatYUV420SemiPlanar {
		t.Errorf("NegotiateFormat() = %d", format)
	}
}
