package core

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// filterSetter is implemented by targets whose predicate can be replaced at runtime
type filterSetter interface {
	SetFilters(filters ...FilterPlugin)
}

// BuildFilters creates the filter chain of a target definition
func BuildFilters(defs []PluginDefinition) ([]FilterPlugin, error) {
	filters := make([]FilterPlugin, 0, len(defs))
	for _, def := range defs {
		filter, err := CreateFilterPlugin(def.Type, def.Config)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

// BuildTarget creates the sink of def and wraps it in a single or batch
// target. Without an explicit mode, sinks that can write batches get a
// BatchTarget.
func BuildTarget(def TargetDefinition, opts ...Option) (Target, error) {
	filters, err := BuildFilters(def.Filters)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", def.Name, err)
	}

	sink, err := CreateOutputPlugin(def.Type, def.Config)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", def.Name, err)
	}

	single, isSingle := sink.(OutputPlugin)
	batched, isBatch := sink.(BatchOutputPlugin)

	mode := def.Mode
	if mode == "" {
		mode = ModeSingle
		if isBatch {
			mode = ModeBatch
		}
	}

	targetOpts := append(append([]Option{}, opts...), WithFilters(filters...))

	var target Target
	switch mode {
	case ModeBatch:
		if !isBatch {
			batched = EachEntry(single)
		}
		target, err = NewBatchTarget(def.TargetConfig, batched, targetOpts...)
	default:
		if !isSingle {
			single = SingleBatch(batched)
		}
		target, err = NewSingleTarget(def.TargetConfig, single, targetOpts...)
	}

	if err != nil {
		if closer, ok := sink.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	return target, nil
}

// BuildTargets creates every target of cfg. On error the targets already
// created are completed.
func BuildTargets(cfg *Config, opts ...Option) ([]Target, error) {
	targets := make([]Target, 0, len(cfg.Targets))
	for _, def := range cfg.Targets {
		target, err := BuildTarget(def, opts...)
		if err != nil {
			for _, t := range targets {
				t.Complete()
			}
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// ConfigureTargets builds the targets of cfg and links them to m. When
// linking fails the built targets are completed, which closes their sinks.
func (m *LogManager) ConfigureTargets(cfg *Config, opts ...Option) ([]Target, error) {
	targets, err := BuildTargets(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Configure(cfg.Pipeline, targets...); err != nil {
		for _, t := range targets {
			t.Complete()
		}
		return nil, err
	}
	return targets, nil
}

// BuildSources creates every source of cfg and points it at sink
func BuildSources(cfg *Config, sink EntrySink) ([]InputPlugin, error) {
	sources := make([]InputPlugin, 0, len(cfg.Sources))
	for _, def := range cfg.Sources {
		source, err := CreateSourcePlugin(def.Type, def.Config)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", def.Name, err)
		}
		source.SetSink(sink)
		sources = append(sources, source)
	}
	return sources, nil
}

// ReloadFilters swaps the predicates of linked targets for the ones in cfg.
// Targets not linked to the manager are ignored; adding targets needs a restart.
func (m *LogManager) ReloadFilters(cfg *Config) error {
	var err error
	for _, def := range cfg.Targets {
		target, ok := m.Target(def.Name)
		if !ok {
			m.logger.Warn("target not linked, restart required to add it", zap.String("target", def.Name))
			continue
		}
		setter, ok := target.(filterSetter)
		if !ok {
			continue
		}

		filters, buildErr := BuildFilters(def.Filters)
		if buildErr != nil {
			err = multierr.Append(err, fmt.Errorf("target %s: %w", def.Name, buildErr))
			continue
		}
		setter.SetFilters(filters...)
		m.logger.Info("target filters reloaded", zap.String("target", def.Name), zap.Int("filters", len(filters)))
	}
	return err
}
