package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
)

// DefaultCondition is used by stages that name no condition.
const DefaultCondition = "all"

// ConditionFactory creates a condition from its single configuration
// parameter.
type ConditionFactory func(param string) (Condition, error)

// ActionFactory creates an action from its parameter table.
type ActionFactory func(params map[string]string) (Action, error)

// Registry maps the plugin names used in config.toml to factories.
type Registry struct {
	mu         sync.RWMutex
	conditions map[string]ConditionFactory
	actions    map[string]ActionFactory
}

func NewRegistry() *Registry {
	return &Registry{
		conditions: make(map[string]ConditionFactory),
		actions:    make(map[string]ActionFactory),
	}
}

// RegisterCondition adds or replaces a condition factory.
func (r *Registry) RegisterCondition(name string, f ConditionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[strings.ToLower(name)] = f
}

// RegisterAction adds or replaces an action factory.
func (r *Registry) RegisterAction(name string, f ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[strings.ToLower(name)] = f
}

func (r *Registry) NewCondition(name, param string) (Condition, error) {
	if name == "" {
		name = DefaultCondition
	}
	r.mu.RLock()
	f, ok := r.conditions[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnknownCondition, name)
	}
	return f(param)
}

func (r *Registry) NewAction(name string, params map[string]string) (Action, error) {
	r.mu.RLock()
	f, ok := r.actions[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnknownAction, name)
	}
	if params == nil {
		params = map[string]string{}
	}
	return f(params)
}

// Conditions returns the registered condition names, sorted.
func (r *Registry) Conditions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.conditions)
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.actions)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StageDefinition describes one stage by plugin name.
type StageDefinition struct {
	Name           string
	Condition      string
	ConditionParam string
	Action         string
	Params         map[string]string
}

// Definition describes a pipeline. Definitions are immutable and shared;
// pipelines built from them are not.
type Definition struct {
	Name   string
	Stages []StageDefinition
}

// DefinitionsFromConfig converts the [[pipeline]] sections.
func DefinitionsFromConfig(pipelines []config.PipelineConfig) []Definition {
	defs := make([]Definition, 0, len(pipelines))
	for _, p := range pipelines {
		def := Definition{Name: p.Name}
		for _, s := range p.Stages {
			def.Stages = append(def.Stages, StageDefinition{
				Name:           s.Name,
				Condition:      s.Condition,
				ConditionParam: s.ConditionParam,
				Action:         s.Action,
				Params:         s.Params,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

// Set is one worker's pipelines, by name.
type Set map[string]*Pipeline

// Get returns the pipeline for a state. It fails with
// consts.ErrUnknownPipeline for states no pipeline handles.
func (s Set) Get(state string) (*Pipeline, error) {
	p, ok := s[state]
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnknownPipeline, state)
	}
	return p, nil
}

// Build instantiates every pipeline. It fails if a name is reserved or
// duplicated, if a plugin is unknown or rejects its parameters, or if there
// is no error pipeline.
func (r *Registry) Build(defs []Definition) (Set, error) {
	set := make(Set, len(defs))
	var errs []error

	for _, def := range defs {
		if mail.IsReservedState(def.Name) {
			errs = append(errs, fmt.Errorf("pipeline %q: %w", def.Name, consts.ErrReservedName))
			continue
		}
		if _, dup := set[def.Name]; dup {
			errs = append(errs, fmt.Errorf("pipeline %q is defined more than once", def.Name))
			continue
		}

		stages := make([]Stage, 0, len(def.Stages))
		for _, sd := range def.Stages {
			cond, err := r.NewCondition(sd.Condition, sd.ConditionParam)
			if err != nil {
				errs = append(errs, fmt.Errorf("pipeline %q stage %q: %w", def.Name, sd.Name, err))
				continue
			}
			action, err := r.NewAction(sd.Action, sd.Params)
			if err != nil {
				errs = append(errs, fmt.Errorf("pipeline %q stage %q: %w", def.Name, sd.Name, err))
				continue
			}
			stages = append(stages, Stage{Name: sd.Name, Condition: cond, Action: action})
		}
		set[def.Name] = New(def.Name, stages...)
	}

	if _, ok := set[mail.StateError]; !ok {
		errs = append(errs, fmt.Errorf("%w: the %q pipeline is required", consts.ErrUnknownPipeline, mail.StateError))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return set, nil
}
