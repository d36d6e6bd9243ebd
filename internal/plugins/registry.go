// Package plugins is the provider plugin registry: per-network balance,
// confirmation and broadcast capabilities keyed by pluginId.
package plugins

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"push-server/internal/model"
)

const defaultTimeout = 5 * time.Second

// PluginConfig describes one plugin in the registry file.
type PluginConfig struct {
	ID      string        `yaml:"id"`
	Type    string        `yaml:"type"`
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the registry file layout.
type Config struct {
	Plugins []PluginConfig `yaml:"plugins"`
}

// LoadConfig reads a YAML registry file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugins file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse plugins file %s: %w", path, err)
	}
	for i, p := range cfg.Plugins {
		if p.ID == "" || len(p.Servers) == 0 {
			return cfg, fmt.Errorf("plugins[%d]: id and servers are required", i)
		}
		if p.Timeout <= 0 {
			cfg.Plugins[i].Timeout = defaultTimeout
		}
	}
	return cfg, nil
}

// Registry maps pluginId to its plugin. It is built once per process and
// read-only afterwards.
type Registry struct {
	plugins map[string]model.CurrencyPlugin
}

// NewRegistry wraps a ready map of plugins.
func NewRegistry(plugins map[string]model.CurrencyPlugin) *Registry {
	if plugins == nil {
		plugins = map[string]model.CurrencyPlugin{}
	}
	return &Registry{plugins: plugins}
}

// Build creates a plugin for every config entry. Unknown plugin types are
// logged and left out so their events evaluate as not done.
func Build(ctx context.Context, cfg Config) (*Registry, error) {
	r := NewRegistry(nil)
	for _, pc := range cfg.Plugins {
		switch pc.Type {
		case "evm", "":
			p, err := DialEVM(ctx, pc.Servers, pc.Timeout)
			if err != nil {
				return nil, fmt.Errorf("plugin %s: %w", pc.ID, err)
			}
			r.plugins[pc.ID] = p
		default:
			log.Printf("[plugins] %s: unsupported type %q, skipping", pc.ID, pc.Type)
		}
	}
	log.Printf("[plugins] registry ready with %d plugins", len(r.plugins))
	return r, nil
}

// Plugin looks up a plugin. A missing id is expected, not an error.
func (r *Registry) Plugin(id string) (model.CurrencyPlugin, bool) {
	p, ok := r.plugins[id]
	return p, ok
}

// IDs lists the registered plugin ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}
