// Package vision defines the capability contract for image input.
//
// Peers queue image attachments that are drained into the next utterance.
// When the configured chat model accepts images natively the attachments are
// forwarded on the user message and this package only validates them. For
// models without native vision a Describer can be configured; each image is
// then described once and the description is injected into the turn as text.
package vision

import (
	"context"
	"fmt"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// MaxAttachmentBytes is the per-image size cap enforced when a peer queues
// an attachment.
const MaxAttachmentBytes = 5 << 20

// allowedMIMETypes lists the image formats accepted from peers.
var allowedMIMETypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

// Describer turns an image into a short text description. Implementations
// wrap a captioning or multimodal model.
type Describer interface {
	// Name returns a human-readable identifier for logging.
	Name() string

	// Describe returns a textual description of the attachment.
	Describe(ctx context.Context, att llm.VisionAttachment) (string, error)
}

// Supported reports whether the provider accepts image attachments natively.
func Supported(p llm.Provider) bool {
	return p.Capabilities().SupportsVision
}

// Validate checks an attachment against the MIME allowlist and size cap
// before it enters the pending queue.
func Validate(att llm.VisionAttachment) error {
	if !allowedMIMETypes[att.MIMEType] {
		return fmt.Errorf("vision: unsupported attachment type %q", att.MIMEType)
	}
	if len(att.Data) == 0 {
		return fmt.Errorf("vision: empty attachment")
	}
	if len(att.Data) > MaxAttachmentBytes {
		return fmt.Errorf("vision: attachment of %d bytes exceeds %d byte limit", len(att.Data), MaxAttachmentBytes)
	}
	return nil
}
