package imageprocessor

import (
	"errors"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedImage is returned when an upload is not a verifiable allowed image.
var ErrUnsupportedImage = errors.New("unsupported image type")

var allowedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// HEIC/HEIF need an external decoder and are accepted on the caller's word.
var externalDecoderTypes = map[string]struct{}{
	"image/heic":          {},
	"image/heif":          {},
	"image/heic-sequence": {},
	"image/heif-sequence": {},
}

// CanonicalContentType lowercases a declared content type, drops parameters and
// folds common aliases.
func CanonicalContentType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		mediaType = strings.ToLower(strings.SplitN(declared, ";", 2)[0])
	}
	switch mediaType {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-png":
		return "image/png"
	}
	return mediaType
}

// RequiresExternalDecoder reports whether the content type is one we cannot
// corroborate or decode in-process.
func RequiresExternalDecoder(contentType string) bool {
	_, ok := externalDecoderTypes[CanonicalContentType(contentType)]
	return ok
}

// VerifyUpload checks the declared content type against the allow-list and the
// payload's magic bytes, returning the content type the job should carry.
//
// An empty or generic declared type defers entirely to the magic bytes. A
// declared HEIC/HEIF type is trusted without corroboration; no other type is.
func VerifyUpload(data []byte, declared string) (string, error) {
	if len(data) == 0 {
		return "", ErrUnsupportedImage
	}

	declared = CanonicalContentType(declared)
	detected := CanonicalContentType(mimetype.Detect(data).String())

	if _, ok := allowedTypes[detected]; ok {
		switch {
		case declared == "", declared == "application/octet-stream":
			return detected, nil
		case isAllowed(declared), RequiresExternalDecoder(declared):
			// The bytes are authoritative when they identify an allowed format.
			return detected, nil
		default:
			return "", ErrUnsupportedImage
		}
	}

	if RequiresExternalDecoder(declared) {
		return declared, nil
	}
	return "", ErrUnsupportedImage
}

func isAllowed(contentType string) bool {
	_, ok := allowedTypes[contentType]
	return ok
}
