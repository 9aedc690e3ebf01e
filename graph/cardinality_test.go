package graph

import (
	"testing"

	"github.com/filegrind/capns-go/standard"
	"github.com/stretchr/testify/assert"
)

func TestCardinalityOfSingleVsSequence(t *testing.T) {
	assert.Equal(t, Single, CardinalityOf(standard.MediaObject))
	assert.Equal(t, Sequence, CardinalityOf(standard.MediaObject+";form=list"))
}

func TestAnalyzeStepDirect(t *testing.T) {
	a := NewCardinalityAnalyzer()
	assert.Equal(t, Direct, a.AnalyzeStep(standard.MediaString, standard.MediaObject))
}

func TestAnalyzeStepWrapInArray(t *testing.T) {
	a := NewCardinalityAnalyzer()
	kind := a.AnalyzeStep(standard.MediaString, standard.MediaString+";form=list")
	assert.Equal(t, WrapInArray, kind)
}

func TestAnalyzeStepRequiresFanOut(t *testing.T) {
	a := NewCardinalityAnalyzer()
	kind := a.AnalyzeStep(standard.MediaString+";form=list", standard.MediaString)
	assert.Equal(t, RequiresFanOut, kind)
}

func TestAnalyzeChainOneToOne(t *testing.T) {
	a := NewCardinalityAnalyzer()
	analysis := a.AnalyzeChain(standard.MediaBinary, [][2]string{
		{standard.MediaString, standard.MediaString},
	})
	assert.Equal(t, OneToOne, analysis.Pattern)
	assert.Equal(t, []StepCardinality{Direct}, analysis.StepKinds)
	assert.Empty(t, analysis.FanOutPoints)
}

func TestAnalyzeChainOneToMany(t *testing.T) {
	a := NewCardinalityAnalyzer()
	analysis := a.AnalyzeChain(standard.MediaBinary, [][2]string{
		{standard.MediaString, standard.MediaString + ";form=list"},
	})
	assert.Equal(t, OneToMany, analysis.Pattern)
}

func TestAnalyzeChainManyToOneRecordsFanOutPoint(t *testing.T) {
	a := NewCardinalityAnalyzer()
	analysis := a.AnalyzeChain(standard.MediaBinary+";form=list", [][2]string{
		{standard.MediaString + ";form=list", standard.MediaString},
	})
	assert.Equal(t, ManyToOne, analysis.Pattern)
	assert.Equal(t, []int{0}, analysis.FanOutPoints)
}

func TestAnalyzeChainEmptyPairsUsesSourceForBoth(t *testing.T) {
	a := NewCardinalityAnalyzer()
	analysis := a.AnalyzeChain(standard.MediaBinary, nil)
	assert.Equal(t, OneToOne, analysis.Pattern)
	assert.Empty(t, analysis.StepKinds)
}
