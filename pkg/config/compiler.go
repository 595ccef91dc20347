package config

import (
	"fmt"
	"strings"

	"github.com/a-essam23/go-courier/pkg/pipeline"
)

type ActionFuncProvider func(kind string) (pipeline.ActionFunc, bool)
type ModifierProvider func(name string) (pipeline.ModifierFactory, bool)

// CompilePipelines builds one pipeline per kind: the configured modifiers in
// order, then the registered action. Event keys are matched case-insensitively
// because viper lowercases map keys.
func CompilePipelines(cfg *Config, kinds []string, actions ActionFuncProvider, modifiers ModifierProvider) error {
	byLower := make(map[string]string, len(kinds))
	for _, k := range kinds {
		byLower[strings.ToLower(k)] = k
	}
	for name := range cfg.Events {
		if _, ok := byLower[strings.ToLower(name)]; !ok {
			return fmt.Errorf("unknown event '%s' in configuration", name)
		}
	}

	cfg.Pipelines = make(map[string]*pipeline.Pipeline, len(kinds))
	for _, kind := range kinds {
		// look up the Go function for this kind.
		fn, ok := actions(kind)
		if !ok {
			return fmt.Errorf("no action registered for '%s'", kind)
		}
		pipe := &pipeline.Pipeline{Kind: kind, Action: fn}

		for _, modCfg := range eventFor(cfg.Events, kind).Modifiers {
			factory, ok := modifiers(modCfg.Name)
			if !ok {
				return fmt.Errorf("unknown modifier '%s' in event '%s'", modCfg.Name, kind)
			}
			mod, err := factory(modCfg.Params...)
			if err != nil {
				return fmt.Errorf("modifier '%s' in event '%s': %w", modCfg.Name, kind, err)
			}
			pipe.Modifiers = append(pipe.Modifiers, mod)
		}
		cfg.Pipelines[kind] = pipe
	}
	return nil
}

func eventFor(events map[string]EventConfig, kind string) EventConfig {
	if ev, ok := events[kind]; ok {
		return ev
	}
	for name, ev := range events {
		if strings.EqualFold(name, kind) {
			return ev
		}
	}
	return EventConfig{}
}
