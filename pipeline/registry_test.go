package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCondition("all", func(string) (Condition, error) { return all, nil })
	r.RegisterCondition("only", func(param string) (Condition, error) {
		if param == "" {
			return nil, errors.New("only requires an address")
		}
		return only(param), nil
	})
	r.RegisterAction("to_pipeline", func(params map[string]string) (Action, error) {
		return setState(params["pipeline"]), nil
	})
	r.RegisterAction("ghost", func(map[string]string) (Action, error) {
		return setState(mail.StateGhost), nil
	})
	return r
}

func TestRegistryBuild(t *testing.T) {
	cfgs := []config.PipelineConfig{
		{Name: "root", Stages: []config.StageConfig{
			{Name: "local", Condition: "only", ConditionParam: "b@x", Action: "to_pipeline", Params: map[string]string{"pipeline": "local"}},
			{Name: "rest", Action: "TO_PIPELINE", Params: map[string]string{"pipeline": "remote"}},
		}},
		{Name: "error", Stages: []config.StageConfig{{Name: "drop", Condition: "all", Action: "ghost"}}},
	}
	r := testRegistry()
	set, err := r.Build(DefinitionsFromConfig(cfgs))
	require.NoError(t, err)
	require.Len(t, set, 2)

	root, err := set.Get("root")
	require.NoError(t, err)
	assert.Equal(t, 2, root.Len())

	res, err := root.Run(context.Background(), newItem("b@x", "c@x"))
	require.NoError(t, err)
	require.Len(t, res.Handoff, 2)
	states := map[string][]string{}
	for _, it := range res.Handoff {
		states[it.State] = it.Recipients
	}
	assert.Equal(t, []string{"b@x"}, states["local"])
	assert.Equal(t, []string{"c@x"}, states["remote"])

	_, err = set.Get("nowhere")
	assert.ErrorIs(t, err, consts.ErrUnknownPipeline)

	// Each Build yields independent instances.
	other, err := r.Build(DefinitionsFromConfig(cfgs))
	require.NoError(t, err)
	assert.NotSame(t, set["root"], other["root"])
}

func TestRegistryBuildErrors(t *testing.T) {
	r := testRegistry()
	errorPipeline := Definition{Name: "error", Stages: []StageDefinition{{Name: "drop", Action: "ghost"}}}

	tests := []struct {
		name string
		defs []Definition
		want error
	}{
		{"unknown condition", []Definition{errorPipeline, {Name: "root", Stages: []StageDefinition{{Name: "s", Condition: "nope", Action: "ghost"}}}}, consts.ErrUnknownCondition},
		{"unknown action", []Definition{errorPipeline, {Name: "root", Stages: []StageDefinition{{Name: "s", Action: "nope"}}}}, consts.ErrUnknownAction},
		{"reserved name", []Definition{errorPipeline, {Name: "Ghost"}}, consts.ErrReservedName},
		{"missing error pipeline", []Definition{{Name: "root"}}, consts.ErrUnknownPipeline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Build(tt.defs)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := r.Build([]Definition{errorPipeline, {Name: "root", Stages: []StageDefinition{{Name: "s", Condition: "only", Action: "ghost"}}}})
	assert.ErrorContains(t, err, "only requires an address")

	_, err = r.Build([]Definition{errorPipeline, errorPipeline})
	assert.ErrorContains(t, err, "more than once")
}

func TestRegistryNames(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, []string{"all", "only"}, r.Conditions())
	assert.Equal(t, []string{"ghost", "to_pipeline"}, r.Actions())
}
