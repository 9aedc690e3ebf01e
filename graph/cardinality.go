package graph

import "github.com/filegrind/capns-go/media"

// Cardinality describes how many values a MediaURN carries: one, an
// ordered sequence, or a sequence that is guaranteed non-empty.
type Cardinality int

const (
	Single Cardinality = iota
	Sequence
	AtLeastOne
)

func (c Cardinality) String() string {
	switch c {
	case Single:
		return "Single"
	case Sequence:
		return "Sequence"
	case AtLeastOne:
		return "AtLeastOne"
	default:
		return "Unknown"
	}
}

// CardinalityOf derives the cardinality of a MediaURN from its text alone:
// Sequence iff the URN carries the `list` form marker, Single otherwise.
func CardinalityOf(mediaUrn string) Cardinality {
	if media.HasMediaUrnTagValue(mediaUrn, "form", "list") {
		return Sequence
	}
	return Single
}

// CardinalityPattern classifies an end-to-end chain of cardinalities.
type CardinalityPattern int

const (
	OneToOne CardinalityPattern = iota
	OneToMany
	ManyToOne
	ManyToMany
)

func (p CardinalityPattern) String() string {
	switch p {
	case OneToOne:
		return "OneToOne"
	case OneToMany:
		return "OneToMany"
	case ManyToOne:
		return "ManyToOne"
	case ManyToMany:
		return "ManyToMany"
	default:
		return "Unknown"
	}
}

// StepCardinality classifies how a single step's output cardinality
// relates to the next step's expected input cardinality.
type StepCardinality int

const (
	// Direct: source and target cardinalities match, no adaptation needed.
	Direct StepCardinality = iota
	// WrapInArray: source produces Single, target expects Sequence.
	WrapInArray
	// RequiresFanOut: source produces Sequence, target expects Single —
	// the plan must split the sequence into one invocation per element.
	RequiresFanOut
)

func (s StepCardinality) String() string {
	switch s {
	case Direct:
		return "Direct"
	case WrapInArray:
		return "WrapInArray"
	case RequiresFanOut:
		return "RequiresFanOut"
	default:
		return "Unknown"
	}
}

// CardinalityAnalysis is the result of walking a chain of step (in, out)
// media specs.
type CardinalityAnalysis struct {
	Pattern      CardinalityPattern
	StepKinds    []StepCardinality
	FanOutPoints []int
}

// CardinalityAnalyzer derives cardinality patterns for a plan's chain of
// steps, each described by its source-out and target-in MediaURN.
type CardinalityAnalyzer struct{}

// NewCardinalityAnalyzer creates a new analyzer. It carries no state - all
// methods are pure functions of their arguments.
func NewCardinalityAnalyzer() *CardinalityAnalyzer {
	return &CardinalityAnalyzer{}
}

// AnalyzeStep classifies the relationship between one step's output
// cardinality and the next step's input cardinality.
func (a *CardinalityAnalyzer) AnalyzeStep(sourceOut, targetIn string) StepCardinality {
	source := CardinalityOf(sourceOut)
	target := CardinalityOf(targetIn)

	switch {
	case source == target:
		return Direct
	case source == Single && (target == Sequence || target == AtLeastOne):
		return WrapInArray
	case (source == Sequence || source == AtLeastOne) && target == Single:
		return RequiresFanOut
	default:
		return Direct
	}
}

// AnalyzeChain walks a chain of (out, in) MediaURN pairs — one pair per
// step boundary — and produces the overall CardinalityPattern plus the
// step indices where a fan-out is required.
func (a *CardinalityAnalyzer) AnalyzeChain(sourceSpec string, stepPairs [][2]string) CardinalityAnalysis {
	analysis := CardinalityAnalysis{}

	overallSource := CardinalityOf(sourceSpec)
	overallTarget := overallSource
	if len(stepPairs) > 0 {
		overallTarget = CardinalityOf(stepPairs[len(stepPairs)-1][1])
	}

	for i, pair := range stepPairs {
		kind := a.AnalyzeStep(pair[0], pair[1])
		analysis.StepKinds = append(analysis.StepKinds, kind)
		if kind == RequiresFanOut {
			analysis.FanOutPoints = append(analysis.FanOutPoints, i)
		}
	}

	sourceMany := overallSource != Single
	targetMany := overallTarget != Single
	switch {
	case !sourceMany && !targetMany:
		analysis.Pattern = OneToOne
	case !sourceMany && targetMany:
		analysis.Pattern = OneToMany
	case sourceMany && !targetMany:
		analysis.Pattern = ManyToOne
	default:
		analysis.Pattern = ManyToMany
	}

	return analysis
}
