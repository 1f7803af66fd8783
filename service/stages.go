package service

import "github.com/saiset-co/sai-directory/types"

type stageComponent struct {
	types.LifecycleManager
	name string
}

type stage []stageComponent

func (st stage) with(name string, present bool, m types.LifecycleManager) stage {
	if !present || m == nil {
		return st
	}
	return append(st, stageComponent{LifecycleManager: m, name: name})
}

// stages lists the components in start order. Members of one stage start
// concurrently; a stage starts only after the previous one is up.
func (s *Service) stages() []stage {
	c := s.container

	var base stage
	if lm, ok := c.Config.(types.LifecycleManager); ok {
		base = base.with("config", true, lm)
	}
	base = base.with("logger", true, c.Logger)

	return []stage{
		base,
		stage{}.with("metrics", true, c.Metrics).with("health", c.Health != nil, c.Health),
		stage{}.with("database", true, c.Database),
		stage{}.with("presets", true, c.Presets).with("cache", c.Cache != nil, c.Cache),
		stage{}.with("actions", true, c.Actions),
		stage{}.with("http", c.HTTPServer != nil, c.HTTPServer),
		stage{}.with("cron", c.Cron != nil, c.Cron),
	}
}
