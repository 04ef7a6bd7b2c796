package expr

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namel3ss/n3flow/ir"
)

func orderRows() []any {
	return []any{
		map[string]any{"region": "eu", "amount": 10, "status": "paid"},
		map[string]any{"region": "us", "amount": 30, "status": "open"},
		map[string]any{"region": "eu", "amount": 20, "status": "paid"},
		map[string]any{"region": "us", "amount": 5, "status": "paid"},
	}
}

func TestPipelineKeepSortTake(t *testing.T) {
	ev := newTestEvaluator()
	env := NewEnv()
	env.Declare("orders", orderRows(), false)

	pipe := &ir.Expr{
		Kind: ir.ExprPipeline,
		Left: ir.Ident("orders"),
		Steps: []ir.PipelineStep{
			{Kind: "keep", Cond: ir.Bin("==", ir.PathRef("row", "status"), ir.Lit("paid"))},
			{Kind: "sort", Key: "amount", Desc: true},
			{Kind: "take", N: 2},
		},
	}
	got, err := ev.Eval(env, pipe)
	require.NoError(t, err)
	rows := got.([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, 20, rows[0].(map[string]any)["amount"])
	assert.Equal(t, 10, rows[1].(map[string]any)["amount"])
}

func TestPipelineDropAndSkip(t *testing.T) {
	ev := newTestEvaluator()
	env := NewEnv()
	env.Declare("orders", orderRows(), false)

	pipe := &ir.Expr{
		Kind: ir.ExprPipeline,
		Left: ir.Ident("orders"),
		Steps: []ir.PipelineStep{
			{Kind: "drop", Cond: ir.Bin("==", ir.PathRef("row", "status"), ir.Lit("open"))},
			{Kind: "skip", N: 1},
		},
	}
	got, err := ev.Eval(env, pipe)
	require.NoError(t, err)
	assert.Len(t, got.([]any), 2)
}

func TestPipelineGroupByAggregates(t *testing.T) {
	ev := newTestEvaluator()
	env := NewEnv()
	env.Declare("orders", orderRows(), false)

	pipe := &ir.Expr{
		Kind: ir.ExprPipeline,
		Left: ir.Ident("orders"),
		Steps: []ir.PipelineStep{
			{Kind: "group_by", Key: "region", Lets: []ir.GroupLet{
				{Name: "total", Expr: ir.CallExpr("sum", ir.PathRef("row", "amount"))},
				{Name: "n", Expr: ir.CallExpr("count", ir.PathRef("row", "amount"))},
			}},
			{Kind: "sort", Key: "key", Groups: true},
		},
	}
	got, err := ev.Eval(env, pipe)
	require.NoError(t, err)
	groups := got.([]any)
	require.Len(t, groups, 2)
	eu := groups[0].(map[string]any)
	assert.Equal(t, "eu", eu["key"])
	assert.Equal(t, 30, eu["total"])
	assert.Equal(t, 2, eu["n"])
	us := groups[1].(map[string]any)
	assert.Equal(t, 35, us["total"])
}

func TestPipelineRestoresRowBinding(t *testing.T) {
	ev := newTestEvaluator()
	env := NewEnv()
	env.Declare("orders", orderRows(), false)
	env.Declare("row", "outer", false)

	pipe := &ir.Expr{
		Kind: ir.ExprPipeline,
		Left: ir.Ident("orders"),
		Steps: []ir.PipelineStep{
			{Kind: "keep", Cond: ir.Bin("==", ir.PathRef("row", "status"), ir.Lit("paid"))},
		},
	}
	_, err := ev.Eval(env, pipe)
	require.NoError(t, err)
	v, ok, err := env.Resolve("row")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "outer", v)
}

func TestPipelineNonListSource(t *testing.T) {
	ev := newTestEvaluator()
	env := NewEnv()
	env.Declare("n", 42, false)
	_, err := ev.Eval(env, &ir.Expr{Kind: ir.ExprPipeline, Left: ir.Ident("n")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "I expected a list or frame")
}

func TestPipelineNonBooleanCondition(t *testing.T) {
	ev := newTestEvaluator()
	env := NewEnv()
	env.Declare("orders", orderRows(), false)
	_, err := ev.Eval(env, &ir.Expr{
		Kind:  ir.ExprPipeline,
		Left:  ir.Ident("orders"),
		Steps: []ir.PipelineStep{{Kind: "keep", Cond: ir.PathRef("row", "amount")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not produce true or false")
}

// Running a pipeline twice over the same source must yield identical output.
func TestPipelineIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	ev := newTestEvaluator()
	properties.Property("pipeline is idempotent over its source", prop.ForAll(
		func(amounts []int) bool {
			rows := make([]any, len(amounts))
			for i, a := range amounts {
				rows[i] = map[string]any{"amount": a}
			}
			env := NewEnv()
			env.Declare("rows", rows, false)
			pipe := &ir.Expr{
				Kind: ir.ExprPipeline,
				Left: ir.Ident("rows"),
				Steps: []ir.PipelineStep{
					{Kind: "keep", Cond: ir.Bin(">=", ir.PathRef("row", "amount"), ir.Lit(0))},
					{Kind: "sort", Key: "amount"},
					{Kind: "take", N: 5},
				},
			}
			first, err := ev.Eval(env, pipe)
			if err != nil {
				return false
			}
			second, err := ev.Eval(env, pipe)
			if err != nil {
				return false
			}
			return Equal(first, second)
		},
		gen.SliceOf(gen.IntRange(-100, 100)),
	))
	properties.TestingRun(t)
}
