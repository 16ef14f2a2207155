package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the JSON form of a registry, found either at the top level
// of a file or under a "model_registry" key.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty"`
}

// LoadFromFile loads a registry from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry: %w", err)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data.
func LoadFromJSON(data []byte) (*Registry, error) {
	var wrapped struct {
		ModelRegistry *RegistryConfig `json:"model_registry"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ModelRegistry != nil {
		return FromConfig(wrapped.ModelRegistry)
	}

	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}
	return FromConfig(&cfg)
}

// FromConfig builds a registry, checking that every referenced endpoint exists.
func FromConfig(cfg *RegistryConfig) (*Registry, error) {
	r := NewRegistry(nil, nil)
	for name, ep := range cfg.Endpoints {
		if ep == nil || ep.Provider == "" {
			return nil, fmt.Errorf("endpoint %q: provider is required", name)
		}
		r.endpoints[name] = ep
	}
	for k, v := range cfg.Capabilities {
		if v == nil {
			continue
		}
		for _, name := range append(append([]string{}, v.Preferred...), v.Fallback...) {
			if _, ok := r.endpoints[name]; !ok {
				return nil, fmt.Errorf("capability %q references unknown endpoint %q", k, name)
			}
		}
		c := ParseCapability(k)
		if c == "" {
			c = Capability(k)
		}
		r.capabilities[c] = v
	}
	if cfg.Defaults != nil && cfg.Defaults.Model != "" {
		r.defaults.Model = cfg.Defaults.Model
	}
	return r, nil
}

// ToConfig converts a Registry to its serializable form.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}
	endpoints := make(map[string]*EndpointConfig, len(r.endpoints))
	for k, v := range r.endpoints {
		endpoints[k] = v
	}
	return &RegistryConfig{
		Capabilities: caps,
		Endpoints:    endpoints,
		Defaults:     &DefaultsConfig{Model: r.defaults.Model},
	}
}
