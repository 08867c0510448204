// Package imageprocessor turns user photos into the single canonical encoding the
// recognition service accepts, and verifies uploads by their magic bytes.
package imageprocessor

// Action is the outcome class of a normalization attempt.
type Action string

const (
	ActionOK     Action = "ok"
	ActionReject Action = "reject"
)

// Reason explains an Action. Reject reasons are retained in logs and job meta only.
type Reason string

const (
	ReasonAlreadyOK         Reason = "already_ok"
	ReasonNormalized        Reason = "normalized"
	ReasonUnsupportedFormat Reason = "unsupported_format"
	ReasonDecodeFailed      Reason = "decode_failed"
	ReasonTooSlow           Reason = "too_slow"
)

// CanonicalMimeType is the only encoding ever sent to the recognition service.
const CanonicalMimeType = "image/jpeg"

// NormalizedImage is a value produced and consumed within one job.
type NormalizedImage struct {
	Bytes    []byte
	MimeType string
	Width    int
	Height   int
}

// Empty reports whether the image carries no bytes, as every rejected image does.
func (n NormalizedImage) Empty() bool {
	return len(n.Bytes) == 0
}
