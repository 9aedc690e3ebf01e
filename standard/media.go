// Package standard provides standard media and capability URN constants,
// re-exported from media's coercion-tagged forms so a cap author can write
// standard.MediaString instead of spelling out the tag list by hand.
package standard

import "github.com/filegrind/capns-go/media"

// =============================================================================
// STANDARD MEDIA URN CONSTANTS
// =============================================================================

const (
	MediaVoid    = media.MediaVoid
	MediaString  = media.MediaString
	MediaBinary  = media.MediaBinary
	MediaObject  = media.MediaObject
	MediaInteger = media.MediaInteger
	MediaNumber  = media.MediaNumber
	MediaBoolean = media.MediaBoolean
	MediaJSON    = media.MediaJson
)

// Domain-specific media types used by the standard model-management caps.
const (
	MediaModelSpec          = media.MediaModelSpec
	MediaAvailabilityOutput = media.MediaAvailabilityOutput
	MediaPathOutput         = media.MediaPathOutput
	MediaLlmInferenceOutput = media.MediaLlmInferenceOutput
)
