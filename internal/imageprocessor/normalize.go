package imageprocessor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	// Registers the WebP decoder with image.Decode, which imaging uses.
	_ "golang.org/x/image/webp"
)

// Options configures the normalization SLA.
type Options struct {
	MaxSide     int
	MaxBytes    int
	Budget      time.Duration
	JPEGQuality int
}

// DefaultOptions is the SLA the recognition service is tuned for.
func DefaultOptions() Options {
	return Options{
		MaxSide:     1024,
		MaxBytes:    1536 * 1024,
		Budget:      800 * time.Millisecond,
		JPEGQuality: 85,
	}
}

// Normalizer enforces the normalization SLA. It performs no I/O.
type Normalizer struct {
	opts Options
}

// NewNormalizer constructs a Normalizer, filling zero options from DefaultOptions.
func NewNormalizer(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.MaxSide <= 0 {
		opts.MaxSide = def.MaxSide
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.Budget <= 0 {
		opts.Budget = def.Budget
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = def.JPEGQuality
	}
	return &Normalizer{opts: opts}
}

type encodeResult struct {
	img    NormalizedImage
	reason Reason
}

// Normalize returns SLA-compliant bytes or an explicit rejection. Rejections
// always carry an empty image.
func (n *Normalizer) Normalize(ctx context.Context, data []byte, declaredContentType string) (NormalizedImage, Action, Reason) {
	format, ok := decodableFormat(data, declaredContentType)
	if !ok {
		return NormalizedImage{}, ActionReject, ReasonUnsupportedFormat
	}

	// A JPEG with a non-upright EXIF orientation is re-encoded upright.
	if format == CanonicalMimeType && len(data) <= n.opts.MaxBytes && jpegOrientation(data) <= 1 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return NormalizedImage{}, ActionReject, ReasonDecodeFailed
		}
		if maxInt(cfg.Width, cfg.Height) <= n.opts.MaxSide {
			return NormalizedImage{Bytes: data, MimeType: CanonicalMimeType, Width: cfg.Width, Height: cfg.Height}, ActionOK, ReasonAlreadyOK
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, n.opts.Budget)
	defer cancel()

	done := make(chan encodeResult, 1)
	go func() {
		done <- n.reencode(data)
	}()

	select {
	case <-ctx.Done():
		return NormalizedImage{}, ActionReject, ReasonTooSlow
	case res := <-done:
		if res.reason != ReasonNormalized {
			return NormalizedImage{}, ActionReject, res.reason
		}
		if time.Since(start) > n.opts.Budget {
			return NormalizedImage{}, ActionReject, ReasonTooSlow
		}
		return res.img, ActionOK, ReasonNormalized
	}
}

func (n *Normalizer) reencode(data []byte) encodeResult {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return encodeResult{reason: ReasonDecodeFailed}
	}

	img = flatten(img)
	img = imaging.Fit(img, n.opts.MaxSide, n.opts.MaxSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.opts.JPEGQuality)); err != nil {
		return encodeResult{reason: ReasonDecodeFailed}
	}

	b := img.Bounds()
	return encodeResult{
		img: NormalizedImage{
			Bytes:    buf.Bytes(),
			MimeType: CanonicalMimeType,
			Width:    b.Dx(),
			Height:   b.Dy(),
		},
		reason: ReasonNormalized,
	}
}

// flatten composites images with transparency onto a white background.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// decodableFormat reports the format to decode the payload as, or false when no
// in-process decoder exists for it.
func decodableFormat(data []byte, declared string) (string, bool) {
	detected := CanonicalContentType(mimetype.Detect(data).String())
	if isAllowed(detected) {
		return detected, true
	}
	if RequiresExternalDecoder(detected) || RequiresExternalDecoder(declared) {
		return "", false
	}
	// Unrecognized bytes claimed as a supported type get a decode attempt, which
	// reports decode_failed rather than unsupported_format.
	if declared = CanonicalContentType(declared); isAllowed(declared) {
		return declared, true
	}
	return "", false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
