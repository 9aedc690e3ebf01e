// Package standard provides standard capability URN builders
package standard

import "fmt"

// =============================================================================
// STANDARD CAP URN CONSTANTS
// =============================================================================

// CapIdentity is the standard identity capability URN
// Accepts any media type as input and outputs the same type
const CapIdentity = "cap:in=media:;out=media:"

// CapDiscard is the standard discard capability URN
// Accepts any media type as input and produces void output
const CapDiscard = "cap:in=media:;out=media:void"

// =============================================================================
// STANDARD CAP URN BUILDERS
// These return URN strings that can be parsed with urn.NewCapUrnFromString()
// =============================================================================

// LlmConversationUrn builds a URN string for LLM conversation capability
func LlmConversationUrn(langCode string) string {
	return fmt.Sprintf(`cap:op=conversation;unconstrained=*;language=%s;in="%s";out="%s"`,
		langCode, MediaString, MediaLlmInferenceOutput)
}

// ModelAvailabilityUrn builds a URN string for model-availability capability
func ModelAvailabilityUrn() string {
	return fmt.Sprintf(`cap:op=model-availability;in="%s";out="%s"`, MediaModelSpec, MediaAvailabilityOutput)
}

// ModelPathUrn builds a URN string for model-path capability
func ModelPathUrn() string {
	return fmt.Sprintf(`cap:op=model-path;in="%s";out="%s"`, MediaModelSpec, MediaPathOutput)
}
