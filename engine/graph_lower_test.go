package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namel3ss/n3flow/ir"
)

func TestLowerSequentialChain(t *testing.T) {
	flow := &ir.Flow{Name: "f", Steps: []*ir.Step{
		{Kind: ir.StepNoop, Name: "a"},
		{Kind: ir.StepNoop, Name: "b"},
		{Kind: ir.StepNoop, Name: "c"},
	}}
	g, err := lowerFlow(flow)
	require.NoError(t, err)
	assert.Equal(t, "a", g.entry)
	assert.Equal(t, []string{"b"}, g.nodes["a"].next)
	assert.Equal(t, []string{"c"}, g.nodes["b"].next)
	assert.Empty(t, g.nodes["c"].next)
}

func TestLowerBranchArmsRejoin(t *testing.T) {
	flow := &ir.Flow{Name: "f", Steps: []*ir.Step{
		{Kind: ir.StepBranch, Name: "pick", Cond: ir.Lit(true),
			TrueSteps:  []*ir.Step{{Kind: ir.StepNoop, Name: "yes"}},
			FalseSteps: []*ir.Step{{Kind: ir.StepNoop, Name: "no"}}},
		{Kind: ir.StepNoop, Name: "after"},
	}}
	g, err := lowerFlow(flow)
	require.NoError(t, err)
	pick := g.nodes["pick"]
	assert.Equal(t, "yes", pick.branchTrue)
	assert.Equal(t, "no", pick.branchFalse)
	assert.Equal(t, []string{"after"}, g.nodes["yes"].next)
	assert.Equal(t, []string{"after"}, g.nodes["no"].next)
	assert.Equal(t, "after", pick.skipTo)
}

func TestLowerBranchWithEmptyFalseArm(t *testing.T) {
	flow := &ir.Flow{Name: "f", Steps: []*ir.Step{
		{Kind: ir.StepBranch, Name: "pick", Cond: ir.Lit(true),
			TrueSteps: []*ir.Step{{Kind: ir.StepNoop, Name: "yes"}}},
		{Kind: ir.StepNoop, Name: "after"},
	}}
	g, err := lowerFlow(flow)
	require.NoError(t, err)
	// An empty false arm collapses straight to the continuation.
	assert.Equal(t, "after", g.nodes["pick"].branchFalse)
}

func TestLowerParallelSynthesizesJoin(t *testing.T) {
	flow := &ir.Flow{Name: "f", Steps: []*ir.Step{
		{Kind: ir.StepParallel, Name: "fan", ParallelBranches: [][]*ir.Step{
			{{Kind: ir.StepNoop, Name: "one"}},
			{{Kind: ir.StepNoop, Name: "two"}},
		}},
		{Kind: ir.StepNoop, Name: "after"},
	}}
	g, err := lowerFlow(flow)
	require.NoError(t, err)
	fan := g.nodes["fan"]
	assert.Equal(t, "fan.join", fan.joinID)
	assert.ElementsMatch(t, []string{"one", "two"}, fan.next)

	join := g.nodes["fan.join"]
	require.NotNil(t, join)
	assert.Equal(t, joinKind, join.step.Kind)
	assert.Equal(t, []string{"after"}, join.next)
	assert.Equal(t, []string{"fan.join"}, g.nodes["one"].next)
	assert.Equal(t, []string{"fan.join"}, g.nodes["two"].next)
}

func TestLowerTryPointsAtCatchChain(t *testing.T) {
	flow := &ir.Flow{Name: "f", Steps: []*ir.Step{
		{Kind: ir.StepTry, Name: "attempt",
			CatchSteps: []*ir.Step{{Kind: ir.StepNoop, Name: "recover"}}},
		{Kind: ir.StepNoop, Name: "after"},
	}}
	g, err := lowerFlow(flow)
	require.NoError(t, err)
	attempt := g.nodes["attempt"]
	assert.Equal(t, "recover", attempt.boundary)
	assert.Equal(t, "err", attempt.catchName)
	assert.Equal(t, []string{"after"}, attempt.next)
	assert.Equal(t, []string{"after"}, g.nodes["recover"].next)
}

func TestLowerRejectsDuplicateStepNames(t *testing.T) {
	flow := &ir.Flow{Name: "f", Steps: []*ir.Step{
		{Kind: ir.StepNoop, Name: "dup"},
		{Kind: ir.StepNoop, Name: "dup"},
	}}
	_, err := lowerFlow(flow)
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeUnknownTarget, fe.Code)
}

func TestLowerNamesAnonymousSteps(t *testing.T) {
	flow := &ir.Flow{Name: "f", Steps: []*ir.Step{
		{Kind: ir.StepNoop},
		{Kind: ir.StepNoop},
	}}
	g, err := lowerFlow(flow)
	require.NoError(t, err)
	assert.Len(t, g.nodes, 2)
	assert.NotEmpty(t, g.entry)
}
