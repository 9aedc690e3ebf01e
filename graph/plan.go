package graph

import "fmt"

// BindingKind discriminates an ArgumentBinding's variant.
type BindingKind int

const (
	InputFileAtIndex BindingKind = iota
	InputFilePath
	InputMediaUrn
	PreviousOutput
	CapDefault
	CapSetting
	LiteralString
	LiteralNumber
	LiteralBool
	LiteralJSON
	Slot
	PlanMetadata
)

// ArgumentBinding is a tagged variant describing where one cap argument's
// value comes from within a Plan. Only the fields relevant to Kind are
// populated.
type ArgumentBinding struct {
	Kind BindingKind

	Index int    // InputFileAtIndex
	Field string // PreviousOutput's optional field selector, Slot's schema ref, PlanMetadata's key

	NodeID string // PreviousOutput

	CapUrn string // CapSetting

	StringValue string      // LiteralString, Slot name
	NumberValue float64     // LiteralNumber
	BoolValue   bool        // LiteralBool
	JSONValue   interface{} // LiteralJSON, Slot schema
}

func (b ArgumentBinding) String() string {
	switch b.Kind {
	case InputFileAtIndex:
		return fmt.Sprintf("InputFileAtIndex(%d)", b.Index)
	case InputFilePath:
		return "InputFilePath"
	case InputMediaUrn:
		return "InputMediaUrn"
	case PreviousOutput:
		return fmt.Sprintf("PreviousOutput(%s, %s)", b.NodeID, b.Field)
	case CapDefault:
		return "CapDefault"
	case CapSetting:
		return fmt.Sprintf("CapSetting(%s)", b.CapUrn)
	case LiteralString:
		return fmt.Sprintf("LiteralString(%s)", b.StringValue)
	case LiteralNumber:
		return fmt.Sprintf("LiteralNumber(%v)", b.NumberValue)
	case LiteralBool:
		return fmt.Sprintf("LiteralBool(%v)", b.BoolValue)
	case LiteralJSON:
		return "LiteralJson"
	case Slot:
		return fmt.Sprintf("Slot(%s)", b.StringValue)
	case PlanMetadata:
		return fmt.Sprintf("PlanMetadata(%s)", b.Field)
	default:
		return "Unknown"
	}
}

// PlanStep is one cap invocation in a Plan, with its argument bindings
// resolved against the inputs known at build time.
type PlanStep struct {
	NodeID   string
	CapUrn   string
	Bindings map[string]ArgumentBinding
}

// Plan is an ordered sequence of cap invocations converting a source media
// spec to a target media spec.
type Plan struct {
	Source string
	Target string
	Steps  []PlanStep
}

// ArgumentResolutionContext carries everything needed to resolve an
// ArgumentBinding down to raw bytes.
type ArgumentResolutionContext struct {
	InputFiles       [][]byte
	CurrentFileIndex int
	PreviousOutputs  map[string][]byte
	PlanMetadata     map[string]string
	CapSettings      map[string][]byte
	SlotValues       map[string][]byte
}

// ResolvedArgument is the result of resolving one binding: raw bytes plus
// a tag naming which source produced them.
type ResolvedArgument struct {
	Bytes  []byte
	Source string
}

// ResolveBinding is a pure function from (binding, context, capUrn,
// defaultValue, isRequired) to resolved bytes.
func ResolveBinding(binding ArgumentBinding, ctx *ArgumentResolutionContext, capUrn string, defaultValue []byte, isRequired bool) (*ResolvedArgument, error) {
	switch binding.Kind {
	case InputFileAtIndex:
		if binding.Index < 0 || binding.Index >= len(ctx.InputFiles) {
			return missingOrDefault(defaultValue, isRequired, "input-file-at-index out of range")
		}
		return &ResolvedArgument{Bytes: ctx.InputFiles[binding.Index], Source: "input-file"}, nil

	case InputFilePath, InputMediaUrn:
		if ctx.CurrentFileIndex < 0 || ctx.CurrentFileIndex >= len(ctx.InputFiles) {
			return missingOrDefault(defaultValue, isRequired, "no current input file")
		}
		return &ResolvedArgument{Bytes: ctx.InputFiles[ctx.CurrentFileIndex], Source: "input-file"}, nil

	case PreviousOutput:
		if bytes, ok := ctx.PreviousOutputs[binding.NodeID]; ok {
			return &ResolvedArgument{Bytes: bytes, Source: "previous-output"}, nil
		}
		return missingOrDefault(defaultValue, isRequired, fmt.Sprintf("no previous output for node '%s'", binding.NodeID))

	case CapDefault:
		return missingOrDefault(defaultValue, isRequired, "no cap default available")

	case CapSetting:
		if bytes, ok := ctx.CapSettings[binding.CapUrn]; ok {
			return &ResolvedArgument{Bytes: bytes, Source: "cap-setting"}, nil
		}
		return missingOrDefault(defaultValue, isRequired, fmt.Sprintf("no setting for cap '%s'", binding.CapUrn))

	case LiteralString:
		return &ResolvedArgument{Bytes: []byte(binding.StringValue), Source: "literal"}, nil

	case LiteralNumber:
		return &ResolvedArgument{Bytes: []byte(fmt.Sprintf("%v", binding.NumberValue)), Source: "literal"}, nil

	case LiteralBool:
		return &ResolvedArgument{Bytes: []byte(fmt.Sprintf("%v", binding.BoolValue)), Source: "literal"}, nil

	case LiteralJSON:
		return &ResolvedArgument{Bytes: []byte(fmt.Sprintf("%v", binding.JSONValue)), Source: "literal"}, nil

	case Slot:
		if bytes, ok := ctx.SlotValues[binding.StringValue]; ok {
			return &ResolvedArgument{Bytes: bytes, Source: "slot"}, nil
		}
		return missingOrDefault(defaultValue, isRequired, fmt.Sprintf("unfilled slot '%s'", binding.StringValue))

	case PlanMetadata:
		if value, ok := ctx.PlanMetadata[binding.Field]; ok {
			return &ResolvedArgument{Bytes: []byte(value), Source: "plan-metadata"}, nil
		}
		return missingOrDefault(defaultValue, isRequired, fmt.Sprintf("no plan metadata '%s'", binding.Field))

	default:
		return nil, fmt.Errorf("unknown argument binding kind for cap '%s'", capUrn)
	}
}

func missingOrDefault(defaultValue []byte, isRequired bool, reason string) (*ResolvedArgument, error) {
	if defaultValue != nil {
		return &ResolvedArgument{Bytes: defaultValue, Source: "cap-default"}, nil
	}
	if isRequired {
		return nil, fmt.Errorf("required argument unresolved: %s", reason)
	}
	return nil, nil
}
