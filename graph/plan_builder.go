package graph

import (
	"fmt"

	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/media"
)

// PlanError reports a failure from PlanBuilder operations, classified per
// §4.F: InvalidInput, NotFound, Internal, RegistryError.
type PlanError struct {
	Kind    string
	Message string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func invalidInput(format string, args ...interface{}) *PlanError {
	return &PlanError{Kind: "InvalidInput", Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) *PlanError {
	return &PlanError{Kind: "NotFound", Message: fmt.Sprintf(format, args...)}
}

func internalErr(format string, args ...interface{}) *PlanError {
	return &PlanError{Kind: "Internal", Message: fmt.Sprintf(format, args...)}
}

// CapRegistry is the read-only view over a cap.Catalog that PlanBuilder
// needs: resolving a request pattern to matching caps.
type CapRegistry interface {
	Lookup(requestUrn string) ([]*cap.Cap, error)
	All() []*cap.Cap
}

// ReachableTarget names a MediaURN reachable from a source, optionally
// with the metadata describing how.
type ReachableTarget struct {
	Spec     string
	PathLen  int
	BestEdge *Edge
}

// PlanBuilder turns a MediaGraph search into a concrete, invocable Plan.
type PlanBuilder struct {
	capRegistry   CapRegistry
	mediaRegistry *media.MediaUrnRegistry
	allowList     map[string]bool
	graph         *MediaGraph
}

// NewPlanBuilder creates a PlanBuilder over the given cap/media registries.
// An empty allowList means every registered cap is eligible.
func NewPlanBuilder(capRegistry CapRegistry, mediaRegistry *media.MediaUrnRegistry, allowList []string) *PlanBuilder {
	allowed := make(map[string]bool, len(allowList))
	for _, u := range allowList {
		allowed[u] = true
	}

	pb := &PlanBuilder{
		capRegistry:   capRegistry,
		mediaRegistry: mediaRegistry,
		allowList:     allowed,
	}
	pb.graph = pb.buildGraph()
	return pb
}

func (pb *PlanBuilder) buildGraph() *MediaGraph {
	g := NewMediaGraph()
	for _, c := range pb.capRegistry.All() {
		if len(pb.allowList) > 0 && !pb.allowList[c.Urn.String()] {
			continue
		}
		g.AddCap(c, "plan-builder")
	}
	return g
}

// FindPath delegates to the MediaGraph after filtering caps by the
// allow-list (already applied when the graph was built).
func (pb *PlanBuilder) FindPath(source, target string) ([]string, error) {
	edges := pb.graph.FindPath(source, target)
	if edges == nil {
		return nil, notFound("no conversion path from '%s' to '%s'", source, target)
	}
	urns := make([]string, len(edges))
	for i, e := range edges {
		urns[i] = e.Cap.Urn.String()
	}
	return urns, nil
}

// FindAllPaths enumerates every path up to maxDepth as cap URN sequences.
func (pb *PlanBuilder) FindAllPaths(source, target string, maxDepth int) ([][]string, error) {
	if maxDepth <= 0 {
		return nil, invalidInput("maxDepth must be positive, got %d", maxDepth)
	}
	paths := pb.graph.FindAllPaths(source, target, maxDepth)
	result := make([][]string, len(paths))
	for i, p := range paths {
		urns := make([]string, len(p))
		for j, e := range p {
			urns[j] = e.Cap.Urn.String()
		}
		result[i] = urns
	}
	return result, nil
}

// AnalyzePathCardinality walks a best-path's edges and classifies the
// cardinality relationship at each step boundary.
func (pb *PlanBuilder) AnalyzePathCardinality(source, target string, maxDepth int) (CardinalityAnalysis, error) {
	edges := pb.graph.FindBestPath(source, target, maxDepth)
	if edges == nil {
		return CardinalityAnalysis{}, notFound("no conversion path from '%s' to '%s'", source, target)
	}

	analyzer := NewCardinalityAnalyzer()
	var pairs [][2]string
	for i := 0; i < len(edges)-1; i++ {
		pairs = append(pairs, [2]string{edges[i].ToSpec, edges[i+1].FromSpec})
	}
	return analyzer.AnalyzeChain(source, pairs), nil
}

// GetReachableTargets returns every MediaURN reachable from source within
// maxDepth hops.
func (pb *PlanBuilder) GetReachableTargets(source string, maxDepth int) []string {
	visited := map[string]bool{source: true}
	queue := []string{source}
	var reachable []string

	for depth := 0; len(queue) > 0 && depth < maxDepth; depth++ {
		var next []string
		for _, current := range queue {
			for _, e := range pb.graph.Outgoing(current) {
				if !visited[e.ToSpec] {
					visited[e.ToSpec] = true
					reachable = append(reachable, e.ToSpec)
					next = append(next, e.ToSpec)
				}
			}
		}
		queue = next
	}
	return reachable
}

// GetReachableTargetsWithMetadata is GetReachableTargets plus the best
// (highest-specificity direct) edge reaching each target, and the shortest
// path length to it.
func (pb *PlanBuilder) GetReachableTargetsWithMetadata(source string, maxDepth int) []ReachableTarget {
	visited := map[string]int{source: 0}
	queue := []string{source}
	var out []ReachableTarget

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		depth := visited[current]
		if depth >= maxDepth {
			continue
		}
		for _, e := range pb.graph.Outgoing(current) {
			if _, seen := visited[e.ToSpec]; seen {
				continue
			}
			visited[e.ToSpec] = depth + 1
			edgeCopy := *e
			out = append(out, ReachableTarget{Spec: e.ToSpec, PathLen: depth + 1, BestEdge: &edgeCopy})
			queue = append(queue, e.ToSpec)
		}
	}
	return out
}

// BuildPlan finds the best path from source to target and produces
// ArgumentBindings for every step. On the first step each arg binds to
// input file 0 when input files are given, otherwise to a Slot (required
// args) or CapDefault (optional args). On every later step each arg binds
// to the previous step's output. No CapSetting binding is produced, and
// args of later steps never become Slot bindings.
func (pb *PlanBuilder) BuildPlan(source, target string, inputFiles [][]byte) (*Plan, error) {
	if source == "" || target == "" {
		return nil, invalidInput("source and target must be non-empty media URNs")
	}

	edges := pb.graph.FindBestPath(source, target, 16)
	if edges == nil {
		return nil, notFound("no conversion path from '%s' to '%s'", source, target)
	}

	plan := &Plan{Source: source, Target: target}

	for i, edge := range edges {
		nodeID := fmt.Sprintf("step-%d", i)
		step := PlanStep{
			NodeID:   nodeID,
			CapUrn:   edge.Cap.Urn.String(),
			Bindings: make(map[string]ArgumentBinding),
		}

		for _, arg := range edge.Cap.GetArgs() {
			binding, err := pb.bindArgument(i, arg, nodeID, len(inputFiles))
			if err != nil {
				return nil, err
			}
			step.Bindings[arg.MediaUrn] = binding
		}

		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

func (pb *PlanBuilder) bindArgument(stepIndex int, arg cap.CapArg, nodeID string, inputCount int) (ArgumentBinding, error) {
	if stepIndex == 0 {
		if inputCount > 0 {
			return ArgumentBinding{Kind: InputFileAtIndex, Index: 0}, nil
		}
		if arg.Required {
			return ArgumentBinding{Kind: Slot, StringValue: arg.MediaUrn, JSONValue: arg.Metadata}, nil
		}
		return ArgumentBinding{Kind: CapDefault}, nil
	}

	prevNodeID := fmt.Sprintf("step-%d", stepIndex-1)
	if stepIndex > 0 {
		return ArgumentBinding{Kind: PreviousOutput, NodeID: prevNodeID}, nil
	}

	if arg.DefaultValue != nil {
		return ArgumentBinding{Kind: CapDefault}, nil
	}
	if arg.Required {
		return ArgumentBinding{Kind: Slot, StringValue: arg.MediaUrn}, nil
	}
	return ArgumentBinding{Kind: CapDefault}, nil
}

// AnalyzePathArguments reports, for each step of the best path after the
// first, the required args that have no default value, keyed by the step's
// cap URN. It reads the arg definitions only; it does not consult the
// bindings BuildPlan produces, which bind those args to the previous
// step's output.
func (pb *PlanBuilder) AnalyzePathArguments(source, target string) (map[string][]string, error) {
	edges := pb.graph.FindBestPath(source, target, 16)
	if edges == nil {
		return nil, notFound("no conversion path from '%s' to '%s'", source, target)
	}

	unresolved := make(map[string][]string)
	for i, edge := range edges {
		if i == 0 {
			continue
		}
		var missing []string
		for _, arg := range edge.Cap.GetArgs() {
			if arg.Required && arg.DefaultValue == nil {
				missing = append(missing, arg.MediaUrn)
			}
		}
		if len(missing) > 0 {
			unresolved[edge.Cap.Urn.String()] = missing
		}
	}
	return unresolved, nil
}
