package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes how the plugin manager should behave.
type ManagerConfig struct {
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
	// Order lists plugin ids in declaration order. Ids missing from Order are
	// appended alphabetically.
	Order []string `yaml:"order"`
}

// PluginConfig is the configuration block for a single plugin instance.
//
// A block without Path configures a builtin plugin of the same id.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
	Chain   *ChainOverride   `yaml:"chain"`
}

// ChainOverride replaces the chain metadata a plugin declares about itself.
type ChainOverride struct {
	InputTypes  []string `yaml:"inputTypes"`
	OutputTypes []string `yaml:"outputTypes"`
	Priority    *int     `yaml:"priority"`
}

// Apply returns info with the override applied.
func (o *ChainOverride) Apply(info Info) Info {
	if o == nil {
		return info
	}
	if o.InputTypes != nil {
		info.InputTypes = append([]string(nil), o.InputTypes...)
	}
	if o.OutputTypes != nil {
		info.OutputTypes = append([]string(nil), o.OutputTypes...)
	}
	if o.Priority != nil {
		info.ChainPriority = *o.Priority
	}
	return info
}

// IsolationPolicy governs the security restrictions enforced for a plugin.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
	}
	seen := make(map[string]struct{}, len(c.Order))
	for _, id := range c.Order {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("plugin %s listed twice in order", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
