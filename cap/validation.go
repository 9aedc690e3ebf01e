package cap

import (
	"fmt"

	"github.com/filegrind/capns-go/media"
)

// ValidationError represents a validation failure surfaced by InputValidator,
// OutputValidator or CapValidationCoordinator. It wraps the lower-level
// SchemaValidationError with cap-level context.
type ValidationError struct {
	Type    string
	CapUrn  string
	Details string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// InputValidator validates positional arguments against a cap's resolved
// media spec schemas.
type InputValidator struct {
	schemaValidator *SchemaValidator
}

// NewInputValidator creates a new input validator.
func NewInputValidator() *InputValidator {
	return &InputValidator{schemaValidator: NewSchemaValidator()}
}

// ValidateArguments validates positional arguments for a cap.
func (iv *InputValidator) ValidateArguments(cap *Cap, arguments []interface{}, registry *media.MediaUrnRegistry) error {
	if err := iv.schemaValidator.ValidateArguments(cap, arguments, nil, registry); err != nil {
		return &ValidationError{
			Type:    "SchemaValidationFailed",
			CapUrn:  cap.UrnString(),
			Details: err.Error(),
		}
	}
	return nil
}

// OutputValidator validates a cap's output value against its resolved media
// spec schema.
type OutputValidator struct {
	schemaValidator *SchemaValidator
}

// NewOutputValidator creates a new output validator.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{schemaValidator: NewSchemaValidator()}
}

// ValidateOutput validates output against a cap's output definition. A cap
// with no output definition, or whose resolved spec carries no schema,
// passes trivially.
func (ov *OutputValidator) ValidateOutput(cap *Cap, value interface{}, registry *media.MediaUrnRegistry) error {
	output := cap.GetOutput()
	if output == nil {
		return nil
	}

	resolved, err := output.Resolve(cap.GetMediaSpecs(), registry)
	if err != nil {
		return &ValidationError{
			Type:    "UnresolvableMediaUrn",
			CapUrn:  cap.UrnString(),
			Details: fmt.Sprintf("could not resolve output media URN '%s': %v", output.MediaUrn, err),
		}
	}

	if resolved.Schema == nil {
		return nil
	}

	if err := ov.schemaValidator.ValidateOutputWithSchema(output, resolved.Schema, value); err != nil {
		return &ValidationError{
			Type:    "OutputValidationFailed",
			CapUrn:  cap.UrnString(),
			Details: err.Error(),
		}
	}
	return nil
}

// CapValidationCoordinator tracks registered caps by URN and dispatches
// input/output validation against them by URN string, so callers that only
// have a cap URN (not the *Cap itself) can still validate.
type CapValidationCoordinator struct {
	caps            map[string]*Cap
	inputValidator  *InputValidator
	outputValidator *OutputValidator
}

// NewCapValidationCoordinator creates a new validation coordinator.
func NewCapValidationCoordinator() *CapValidationCoordinator {
	return &CapValidationCoordinator{
		caps:            make(map[string]*Cap),
		inputValidator:  NewInputValidator(),
		outputValidator: NewOutputValidator(),
	}
}

// RegisterCap registers a cap for later validation lookups by URN.
func (c *CapValidationCoordinator) RegisterCap(cap *Cap) {
	c.caps[cap.UrnString()] = cap
}

// GetCap returns a previously registered cap by URN, or nil.
func (c *CapValidationCoordinator) GetCap(capUrn string) *Cap {
	return c.caps[capUrn]
}

// ValidateInputs validates positional arguments for a registered cap.
func (c *CapValidationCoordinator) ValidateInputs(capUrn string, arguments []interface{}, registry *media.MediaUrnRegistry) error {
	cap, ok := c.caps[capUrn]
	if !ok {
		return &ValidationError{
			Type:    "UnknownCap",
			CapUrn:  capUrn,
			Details: fmt.Sprintf("unknown cap '%s' - not registered", capUrn),
		}
	}
	return c.inputValidator.ValidateArguments(cap, arguments, registry)
}

// ValidateOutput validates an output value for a registered cap.
func (c *CapValidationCoordinator) ValidateOutput(capUrn string, output interface{}, registry *media.MediaUrnRegistry) error {
	cap, ok := c.caps[capUrn]
	if !ok {
		return &ValidationError{
			Type:    "UnknownCap",
			CapUrn:  capUrn,
			Details: fmt.Sprintf("unknown cap '%s' - not registered", capUrn),
		}
	}
	return c.outputValidator.ValidateOutput(cap, output, registry)
}

// MediaSpecRedefinitionResult reports whether a set of inline media_specs
// illegally redefines a media URN already known to the registry (rule XV5).
type MediaSpecRedefinitionResult struct {
	Valid     bool
	Error     string
	Redefines []string
}

// ValidateNoInlineMediaSpecRedefinition checks that none of the given inline
// media_specs shadow a media URN the registry already resolves. If
// registryLookup is nil, validation is skipped (graceful degradation) since
// there is no way to check for a collision.
func ValidateNoInlineMediaSpecRedefinition(mediaSpecs map[string]any, registryLookup func(string) bool) *MediaSpecRedefinitionResult {
	if len(mediaSpecs) == 0 || registryLookup == nil {
		return &MediaSpecRedefinitionResult{Valid: true}
	}

	var redefines []string
	for mediaUrn := range mediaSpecs {
		if registryLookup(mediaUrn) {
			redefines = append(redefines, mediaUrn)
		}
	}

	if len(redefines) > 0 {
		return &MediaSpecRedefinitionResult{
			Valid:     false,
			Error:     fmt.Sprintf("XV5: inline media_specs redefine registry-known media URN(s): %v", redefines),
			Redefines: redefines,
		}
	}

	return &MediaSpecRedefinitionResult{Valid: true}
}
