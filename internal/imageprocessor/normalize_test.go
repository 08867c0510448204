package imageprocessor

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		for y := 0; y < h; y += 5 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: uint8(x % 255), B: uint8(y % 255), A: alpha})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// withOrientation inserts an EXIF APP1 segment carrying orientation right
// after the JPEG's SOI marker.
func withOrientation(t *testing.T, data []byte, orientation uint16, order binary.ByteOrder) []byte {
	t.Helper()
	var tiff bytes.Buffer
	if order == binary.LittleEndian {
		tiff.WriteString("II")
	} else {
		tiff.WriteString("MM")
	}
	_ = binary.Write(&tiff, order, uint16(42))
	_ = binary.Write(&tiff, order, uint32(8))
	_ = binary.Write(&tiff, order, uint16(1))
	_ = binary.Write(&tiff, order, uint16(exifOrientationTag))
	_ = binary.Write(&tiff, order, uint16(3))
	_ = binary.Write(&tiff, order, uint32(1))
	_ = binary.Write(&tiff, order, orientation)
	_ = binary.Write(&tiff, order, uint16(0))
	_ = binary.Write(&tiff, order, uint32(0))

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	var out bytes.Buffer
	out.Write(data[:2])
	out.Write([]byte{0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(data[2:])
	return out.Bytes()
}

func decodeSize(t *testing.T, data []byte) (string, int, int) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output does not decode: %v", err)
	}
	return format, cfg.Width, cfg.Height
}

func TestNormalizeKeepsCompliantJPEG(t *testing.T) {
	input := encodeJPEG(t, 800, 600)
	n := NewNormalizer(DefaultOptions())

	out, action, reason := n.Normalize(context.Background(), input, "image/jpeg")
	if action != ActionOK || reason != ReasonAlreadyOK {
		t.Fatalf("expected ok/already_ok, got %s/%s", action, reason)
	}
	if !bytes.Equal(out.Bytes, input) {
		t.Fatal("expected input bytes to be returned unchanged")
	}
	if out.Width != 800 || out.Height != 600 || out.MimeType != CanonicalMimeType {
		t.Fatalf("unexpected metadata: %+v", out)
	}
}

func TestNormalizeAppliesEXIFOrientation(t *testing.T) {
	// Orientation 6: stored landscape, displayed rotated a quarter turn.
	input := withOrientation(t, encodeJPEG(t, 64, 32), 6, binary.BigEndian)
	n := NewNormalizer(Options{Budget: 10 * time.Second})

	out, action, reason := n.Normalize(context.Background(), input, "image/jpeg")
	if action != ActionOK || reason != ReasonNormalized {
		t.Fatalf("expected ok/normalized for a rotated JPEG, got %s/%s", action, reason)
	}
	if bytes.Equal(out.Bytes, input) {
		t.Fatal("rotated JPEG must not be passed through")
	}
	_, w, h := decodeSize(t, out.Bytes)
	if w != 32 || h != 64 || out.Width != 32 || out.Height != 64 {
		t.Fatalf("expected upright 32x64 output, got %dx%d (%+v)", w, h, out)
	}
	if got := jpegOrientation(out.Bytes); got > 1 {
		t.Fatalf("output still carries orientation %d", got)
	}
}

func TestNormalizeKeepsUprightEXIFJPEG(t *testing.T) {
	input := withOrientation(t, encodeJPEG(t, 64, 32), 1, binary.LittleEndian)
	n := NewNormalizer(DefaultOptions())

	out, action, reason := n.Normalize(context.Background(), input, "image/jpeg")
	if action != ActionOK || reason != ReasonAlreadyOK {
		t.Fatalf("expected ok/already_ok, got %s/%s", action, reason)
	}
	if !bytes.Equal(out.Bytes, input) {
		t.Fatal("upright JPEG should be returned unchanged")
	}
}

func TestJPEGOrientation(t *testing.T) {
	plain := encodeJPEG(t, 16, 16)
	cases := []struct {
		name string
		data []byte
		want int
	}{
		{name: "big endian", data: withOrientation(t, plain, 8, binary.BigEndian), want: 8},
		{name: "little endian", data: withOrientation(t, plain, 3, binary.LittleEndian), want: 3},
		{name: "no exif", data: plain, want: 0},
		{name: "out of range value", data: withOrientation(t, plain, 9, binary.BigEndian), want: 0},
		{name: "truncated segment", data: withOrientation(t, plain, 6, binary.BigEndian)[:20], want: 0},
		{name: "not a jpeg", data: encodePNG(t, 4, 4, 255), want: 0},
		{name: "empty", data: nil, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := jpegOrientation(tc.data); got != tc.want {
				t.Fatalf("jpegOrientation = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNormalizeDownscalesAndFlattensPNG(t *testing.T) {
	input := encodePNG(t, 2000, 1500, 128)
	n := NewNormalizer(Options{Budget: 10 * time.Second})

	out, action, reason := n.Normalize(context.Background(), input, "image/png")
	if action != ActionOK || reason != ReasonNormalized {
		t.Fatalf("expected ok/normalized, got %s/%s", action, reason)
	}
	format, w, h := decodeSize(t, out.Bytes)
	if format != "jpeg" {
		t.Fatalf("expected jpeg output, got %s", format)
	}
	if w != 1024 || h != 768 {
		t.Fatalf("expected 1024x768, got %dx%d", w, h)
	}
	if out.Width != w || out.Height != h {
		t.Fatalf("metadata %dx%d does not match encoded %dx%d", out.Width, out.Height, w, h)
	}
}

func TestNormalizeNeverUpscales(t *testing.T) {
	input := encodePNG(t, 120, 40, 255)
	n := NewNormalizer(Options{Budget: 10 * time.Second})

	out, action, _ := n.Normalize(context.Background(), input, "image/png")
	if action != ActionOK {
		t.Fatalf("expected ok, got %s", action)
	}
	if _, w, h := decodeSize(t, out.Bytes); w != 120 || h != 40 {
		t.Fatalf("expected original 120x40, got %dx%d", w, h)
	}
}

func TestNormalizeRejections(t *testing.T) {
	heic := []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00mif1heic\x00\x00\x00\x00")
	truncated := encodeJPEG(t, 1600, 1200)
	truncated = truncated[:len(truncated)/2]

	cases := []struct {
		name     string
		data     []byte
		declared string
		reason   Reason
	}{
		{name: "heic needs external decoder", data: heic, declared: "image/heic", reason: ReasonUnsupportedFormat},
		{name: "text is unsupported", data: []byte("just some text"), declared: "text/plain", reason: ReasonUnsupportedFormat},
		{name: "garbage claimed as jpeg", data: []byte("definitely not a jpeg payload"), declared: "image/jpeg", reason: ReasonDecodeFailed},
		{name: "truncated jpeg", data: truncated, declared: "image/jpeg", reason: ReasonDecodeFailed},
	}

	n := NewNormalizer(Options{Budget: 10 * time.Second})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, action, reason := n.Normalize(context.Background(), tc.data, tc.declared)
			if action != ActionReject {
				t.Fatalf("expected reject, got %s", action)
			}
			if reason != tc.reason {
				t.Fatalf("expected %s, got %s", tc.reason, reason)
			}
			if !out.Empty() {
				t.Fatal("rejected output must carry no bytes")
			}
		})
	}
}

func TestNormalizeRejectsWhenOverBudget(t *testing.T) {
	input := encodePNG(t, 2400, 1800, 255)
	n := NewNormalizer(Options{Budget: time.Nanosecond})

	out, action, reason := n.Normalize(context.Background(), input, "image/png")
	if action != ActionReject || reason != ReasonTooSlow {
		t.Fatalf("expected reject/too_slow, got %s/%s", action, reason)
	}
	if !out.Empty() {
		t.Fatal("too_slow must discard output bytes")
	}
}
