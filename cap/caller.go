package cap

import (
	"context"
	"fmt"

	"github.com/filegrind/capns-go/media"
)

// CapSet defines the interface for executing a resolved cap against a
// host. Callers implement this to plug their own transport into
// CapCaller; PluginHost and RelaySwitch do not implement it.
type CapSet interface {
	ExecuteCap(
		ctx context.Context,
		capUrn string,
		arguments []CapArgumentValue,
	) (*HostResult, error)
}

// HostResult represents the raw result returned from cap execution before
// it is wrapped and validated against the cap's output media spec.
type HostResult struct {
	BinaryOutput []byte
	TextOutput   string
}

// CapCaller executes a single cap through a CapSet, resolving its output
// media spec to decide how to wrap the raw host result.
type CapCaller struct {
	cap           string
	capSet        CapSet
	capDefinition *Cap
}

// NewCapCaller creates a new cap caller bound to a specific cap URN,
// cap set and cap definition.
func NewCapCaller(capUrnStr string, capSet CapSet, capDefinition *Cap) *CapCaller {
	return &CapCaller{
		cap:           capUrnStr,
		capSet:        capSet,
		capDefinition: capDefinition,
	}
}

// resolveOutputSpec resolves the cap's "out" direction tag against its
// media_specs and the registry. Fails hard if the output media URN has
// no coverage - no fallbacks.
func (c *CapCaller) resolveOutputSpec(registry *media.MediaUrnRegistry) (*media.ResolvedMediaSpec, error) {
	outSpec := c.capDefinition.Urn.OutSpec()
	resolved, err := media.ResolveMediaUrn(outSpec, c.capDefinition.GetMediaSpecs(), registry)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output media URN '%s': %w", outSpec, err)
	}
	return resolved, nil
}

// Call executes the cap via the underlying CapSet and wraps the raw
// result according to the cap's resolved output media spec.
func (c *CapCaller) Call(ctx context.Context, args []CapArgumentValue, registry *media.MediaUrnRegistry) (*ResponseWrapper, error) {
	resolved, err := c.resolveOutputSpec(registry)
	if err != nil {
		return nil, err
	}

	result, err := c.capSet.ExecuteCap(ctx, c.cap, args)
	if err != nil {
		return nil, fmt.Errorf("cap execution failed for %s: %w", c.cap, err)
	}

	var response *ResponseWrapper
	switch {
	case len(result.BinaryOutput) > 0:
		response = NewResponseWrapperFromBinary(result.BinaryOutput)
	case resolved.IsStructured():
		response = NewResponseWrapperFromJSON([]byte(result.TextOutput))
	default:
		response = NewResponseWrapperFromText([]byte(result.TextOutput))
	}

	if err := response.ValidateAgainstCap(c.capDefinition, registry); err != nil {
		return nil, fmt.Errorf("output validation failed for %s: %w", c.cap, err)
	}

	return response, nil
}
