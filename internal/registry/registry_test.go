package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

func TestDefaultGraphWalk(t *testing.T) {
	r, err := New(config.Default())
	require.NoError(t, err)
	assert.Equal(t, "analysis", r.First())

	var kinds []string
	phase := r.First()
	for i := 0; i < 20; i++ {
		step, err := r.Next(phase, domain.VerdictPass, 0)
		require.NoError(t, err)
		if step.Kind == StepTerminal {
			break
		}
		if step.Kind == StepGated {
			kinds = append(kinds, string(step.Gate))
		}
		phase = step.Phase
	}
	assert.Equal(t, "retrospective", phase)
	assert.Equal(t, []string{"plan_approval", "qa_approval", "publish_approval"}, kinds)
}

func TestQualityLoopBudget(t *testing.T) {
	r, err := New(config.Default())
	require.NoError(t, err)

	step, err := r.Next("quality_check", domain.VerdictFail, 0)
	require.NoError(t, err)
	assert.Equal(t, Step{Kind: StepLoop, Phase: "implementation"}, step)

	step, err = r.Next("quality_check", domain.VerdictFail, 1)
	require.NoError(t, err)
	assert.Equal(t, StepLoop, step.Kind)

	step, err = r.Next("quality_check", domain.VerdictFail, 2)
	require.NoError(t, err)
	assert.Equal(t, StepGated, step.Kind)
	assert.Equal(t, domain.GateQAApproval, step.Gate)
	assert.True(t, step.Exhausted)

	// a failing verdict elsewhere has no effect on routing
	step, err = r.Next("design", domain.VerdictFail, 0)
	require.NoError(t, err)
	assert.Equal(t, Step{Kind: StepSequential, Phase: "implementation"}, step)
}

func TestCapabilitiesAndReentry(t *testing.T) {
	r, err := New(config.Default())
	require.NoError(t, err)
	c, err := r.Capability("quality_check")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", c)
	_, err = r.Capability("nope")
	require.Error(t, err)
	assert.Len(t, r.Capabilities(), 9)

	phase, err := r.Reentry(domain.CategoryScopeChange)
	require.NoError(t, err)
	assert.Equal(t, "planning", phase)

	_, err = r.Next("nope", domain.VerdictPass, 0)
	require.Error(t, err)
}

func TestBeforeFollowsForwardEdges(t *testing.T) {
	r, err := New(config.Default())
	require.NoError(t, err)
	assert.True(t, r.Before("planning", "design"))
	assert.True(t, r.Before("implementation", "human_review"))
	assert.False(t, r.Before("design", "design"))
	assert.False(t, r.Before("implementation", "design"))
	assert.False(t, r.Before("nope", "design"))
}
