package core

import (
	"fmt"
	"sort"
	"sync"
)

// PluginFactory is a function that creates a plugin instance from configuration
type PluginFactory func(config map[string]any) (any, error)

// PluginRegistry manages plugin registration and instantiation. Plugins
// register themselves from init(); binaries pick the set they link in.
type PluginRegistry struct {
	sources map[string]PluginFactory
	outputs map[string]PluginFactory
	filters map[string]PluginFactory
	mu      sync.RWMutex
}

var (
	// Global plugin registry
	registry = &PluginRegistry{
		sources: make(map[string]PluginFactory),
		outputs: make(map[string]PluginFactory),
		filters: make(map[string]PluginFactory),
	}
)

// RegisterSourcePlugin registers an input plugin factory
func RegisterSourcePlugin(name string, factory PluginFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.sources[name] = factory
}

// RegisterOutputPlugin registers a sink factory. The created value must
// implement OutputPlugin, BatchOutputPlugin or both.
func RegisterOutputPlugin(name string, factory PluginFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.outputs[name] = factory
}

// RegisterFilterPlugin registers a filter plugin factory
func RegisterFilterPlugin(name string, factory PluginFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.filters[name] = factory
}

func lookup(factories map[string]PluginFactory, kind, pluginType string) (PluginFactory, error) {
	registry.mu.RLock()
	factory, exists := factories[pluginType]
	registry.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s plugin %q", ErrUnknownPlugin, kind, pluginType)
	}
	return factory, nil
}

// CreateSourcePlugin creates an input plugin instance
func CreateSourcePlugin(pluginType string, config map[string]any) (InputPlugin, error) {
	factory, err := lookup(registry.sources, "source", pluginType)
	if err != nil {
		return nil, err
	}

	plugin, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create source plugin %s: %w", pluginType, err)
	}

	input, ok := plugin.(InputPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement InputPlugin interface", pluginType)
	}
	return input, nil
}

// CreateOutputPlugin creates a sink instance. The result implements
// OutputPlugin, BatchOutputPlugin or both.
func CreateOutputPlugin(pluginType string, config map[string]any) (any, error) {
	factory, err := lookup(registry.outputs, "output", pluginType)
	if err != nil {
		return nil, err
	}

	plugin, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create output plugin %s: %w", pluginType, err)
	}

	_, single := plugin.(OutputPlugin)
	_, batched := plugin.(BatchOutputPlugin)
	if !single && !batched {
		return nil, fmt.Errorf("plugin %s implements neither OutputPlugin nor BatchOutputPlugin", pluginType)
	}
	return plugin, nil
}

// CreateFilterPlugin creates a filter plugin instance
func CreateFilterPlugin(pluginType string, config map[string]any) (FilterPlugin, error) {
	factory, err := lookup(registry.filters, "filter", pluginType)
	if err != nil {
		return nil, err
	}

	plugin, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter plugin %s: %w", pluginType, err)
	}

	filter, ok := plugin.(FilterPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement FilterPlugin interface", pluginType)
	}
	return filter, nil
}

func names(factories map[string]PluginFactory) []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	list := make([]string, 0, len(factories))
	for name := range factories {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// ListSourcePlugins returns all registered source plugin names
func ListSourcePlugins() []string {
	return names(registry.sources)
}

// ListOutputPlugins returns all registered output plugin names
func ListOutputPlugins() []string {
	return names(registry.outputs)
}

// ListFilterPlugins returns all registered filter plugin names
func ListFilterPlugins() []string {
	return names(registry.filters)
}
