package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsugi-ai/tsugi/internal/llm"
)

func TestTemplatePlannerModes(t *testing.T) {
	p, err := NewTemplatePlanner()
	require.NoError(t, err)

	cases := []struct {
		mode        string
		wantFirst   string
		wantActions int
	}{
		{"report", "websearch", 5},
		{"charts", "analyze", 3},
		{"", "analyze", 4},
		{"unknown-mode", "analyze", 4},
	}
	for _, tc := range cases {
		plan, err := p.Plan(context.Background(), Request{Goal: "write a report", Mode: tc.mode})
		require.NoError(t, err, "mode %q", tc.mode)
		require.Len(t, plan.Steps, tc.wantActions, "mode %q", tc.mode)
		assert.Equal(t, SourceTemplate, plan.Source)
		assert.Equal(t, tc.wantFirst, plan.Steps[0].Action.Name)
		assert.Equal(t, "done", plan.Steps[len(plan.Steps)-1].Action.Name)
	}
}

func TestTemplatePlannerDeterministic(t *testing.T) {
	p, err := NewTemplatePlanner()
	require.NoError(t, err)

	req := Request{Goal: "quarterly summary", Mode: "report"}
	a, err := p.Plan(context.Background(), req)
	require.NoError(t, err)
	b, err := p.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTemplatePlannerThreadsGoal(t *testing.T) {
	p, err := NewTemplatePlanner()
	require.NoError(t, err)

	plan, err := p.Plan(context.Background(), Request{Goal: "analyze sales data", Mode: "charts"})
	require.NoError(t, err)
	assert.Equal(t, "analyze sales data", plan.Steps[0].Action.Args["goal"])
}

func TestLLMPlannerParsesFencedJSON(t *testing.T) {
	gen := llm.GeneratorFunc(func(_ context.Context, _, _ string) (string, error) {
		return "```json\n{\"steps\":[" +
			`{"id":"s1","action":{"name":"analyze"}},` +
			`{"id":"s2","action":{"name":"done"},"depends_on":["s1"]}` +
			"]}\n```", nil
	})

	plan, err := LLMPlanner{Gen: gen}.Plan(context.Background(), Request{Goal: "g"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, SourceLLM, plan.Source)
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
}

func TestLLMPlannerRejectsBadPlans(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "here is your plan: step one, step two"},
		{"empty steps", `{"steps":[]}`},
		{"duplicate id", `{"steps":[{"id":"s1","action":{"name":"a"}},{"id":"s1","action":{"name":"b"}}]}`},
		{"missing action", `{"steps":[{"id":"s1","action":{"name":""}}]}`},
		{"forward dependency", `{"steps":[{"id":"s1","action":{"name":"a"},"depends_on":["s2"]},{"id":"s2","action":{"name":"b"}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := llm.GeneratorFunc(func(_ context.Context, _, _ string) (string, error) {
				return tc.raw, nil
			})
			_, err := LLMPlanner{Gen: gen}.Plan(context.Background(), Request{Goal: "g"})
			assert.Error(t, err)
		})
	}
}

func TestChainedFallsBackOnError(t *testing.T) {
	failing := LLMPlanner{Gen: llm.GeneratorFunc(func(_ context.Context, _, _ string) (string, error) {
		return "", fmt.Errorf("upstream unavailable")
	})}
	fallback, err := NewTemplatePlanner()
	require.NoError(t, err)

	plan, err := Chained{Primary: failing, Fallback: fallback}.Plan(context.Background(), Request{Goal: "g", Mode: "report"})
	require.NoError(t, err)
	assert.Equal(t, SourceTemplate, plan.Source)
	assert.NotEmpty(t, plan.Steps)
}

func TestChainedPrefersPrimary(t *testing.T) {
	primary := LLMPlanner{Gen: llm.GeneratorFunc(func(_ context.Context, _, _ string) (string, error) {
		return `{"steps":[{"id":"s1","action":{"name":"done"}}]}`, nil
	})}
	fallback, err := NewTemplatePlanner()
	require.NoError(t, err)

	plan, err := Chained{Primary: primary, Fallback: fallback}.Plan(context.Background(), Request{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, plan.Source)
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences(`{"a":1}`))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON(`Sure, here it is: {"a":1} Hope that helps.`))
}
