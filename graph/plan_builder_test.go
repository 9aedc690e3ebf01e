package graph

import (
	"testing"

	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/media"
	"github.com/filegrind/capns-go/standard"
	"github.com/filegrind/capns-go/urn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planTestCatalog(t *testing.T) *cap.Catalog {
	t.Helper()
	catalog := cap.NewCatalog()

	binToStrUrn, err := urn.NewCapUrnFromString(`cap:in="` + standard.MediaBinary + `";op=decode;out="` + standard.MediaString + `"`)
	require.NoError(t, err)
	strToObjUrn, err := urn.NewCapUrnFromString(`cap:in="` + standard.MediaString + `";op=parse;out="` + standard.MediaObject + `"`)
	require.NoError(t, err)

	decode := cap.NewCap(binToStrUrn, "Decode", "decode")
	decode.AddArg(cap.NewCapArg(standard.MediaBinary, true, nil))

	parse := cap.NewCap(strToObjUrn, "Parse", "parse")
	parse.AddArg(cap.NewCapArg(standard.MediaString, true, nil))

	catalog.Register("converter", []*cap.Cap{decode, parse})
	return catalog
}

func planTestMediaRegistry(t *testing.T) *media.MediaUrnRegistry {
	t.Helper()
	reg, err := media.NewMediaUrnRegistryForTest()
	require.NoError(t, err)
	return reg
}

func TestPlanBuilderFindPath(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	path, err := pb.FindPath(standard.MediaBinary, standard.MediaObject)
	require.NoError(t, err)
	require.Len(t, path, 2)
}

func TestPlanBuilderFindPathNoRoute(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	_, err := pb.FindPath(standard.MediaObject, standard.MediaBinary)
	require.Error(t, err)

	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, "NotFound", planErr.Kind)
}

func TestPlanBuilderFindAllPathsRejectsNonPositiveDepth(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	_, err := pb.FindAllPaths(standard.MediaBinary, standard.MediaObject, 0)
	require.Error(t, err)

	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, "InvalidInput", planErr.Kind)
}

func TestPlanBuilderFindAllPaths(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	paths, err := pb.FindAllPaths(standard.MediaBinary, standard.MediaObject, 3)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Len(t, paths[0], 2)
}

func TestPlanBuilderBuildPlanStepsHaveSequentialBindings(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	plan, err := pb.BuildPlan(standard.MediaBinary, standard.MediaObject, [][]byte{[]byte("raw-bytes")})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	firstBinding := plan.Steps[0].Bindings[standard.MediaBinary]
	assert.Equal(t, InputFileAtIndex, firstBinding.Kind)
	assert.Equal(t, 0, firstBinding.Index)

	secondBinding := plan.Steps[1].Bindings[standard.MediaString]
	assert.Equal(t, PreviousOutput, secondBinding.Kind)
	assert.Equal(t, "step-0", secondBinding.NodeID)
}

func TestPlanBuilderBuildPlanNoRouteFails(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	_, err := pb.BuildPlan(standard.MediaObject, standard.MediaBinary, nil)
	require.Error(t, err)
}

func TestPlanBuilderAnalyzePathCardinality(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	analysis, err := pb.AnalyzePathCardinality(standard.MediaBinary, standard.MediaObject, 3)
	require.NoError(t, err)
	assert.Equal(t, OneToOne, analysis.Pattern)
}

func TestPlanBuilderGetReachableTargets(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	reachable := pb.GetReachableTargets(standard.MediaBinary, 3)
	assert.Contains(t, reachable, standard.MediaString)
	assert.Contains(t, reachable, standard.MediaObject)
}

func TestPlanBuilderGetReachableTargetsWithMetadata(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	targets := pb.GetReachableTargetsWithMetadata(standard.MediaBinary, 3)
	require.Len(t, targets, 2)

	byLen := map[int]bool{}
	for _, target := range targets {
		byLen[target.PathLen] = true
		require.NotNil(t, target.BestEdge)
	}
	assert.True(t, byLen[1])
	assert.True(t, byLen[2])
}

func TestPlanBuilderAllowListFiltersEdges(t *testing.T) {
	catalog := planTestCatalog(t)
	binToStrUrn, _ := urn.NewCapUrnFromString(`cap:in="` + standard.MediaBinary + `";op=decode;out="` + standard.MediaString + `"`)

	pb := NewPlanBuilder(catalog, planTestMediaRegistry(t), []string{binToStrUrn.String()})

	_, err := pb.FindPath(standard.MediaBinary, standard.MediaObject)
	require.Error(t, err)

	path, err := pb.FindPath(standard.MediaBinary, standard.MediaString)
	require.NoError(t, err)
	assert.Len(t, path, 1)
}

func TestPlanBuilderAnalyzePathArguments(t *testing.T) {
	pb := NewPlanBuilder(planTestCatalog(t), planTestMediaRegistry(t), nil)

	unresolved, err := pb.AnalyzePathArguments(standard.MediaBinary, standard.MediaObject)
	require.NoError(t, err)

	// step 0 (Decode) is excluded since its argument comes from the input
	// file, not a caller-filled slot; step 1 (Parse) requires media:string
	// with no default, so it must be reported as unresolved.
	require.Len(t, unresolved, 1)
	for _, missing := range unresolved {
		assert.Equal(t, []string{standard.MediaString}, missing)
	}
}
