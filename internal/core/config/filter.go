package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// LoadFilter reads and compiles the filter configuration document at path.
func LoadFilter(path string) (*rules.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("filter.path must be set: %w", types.ErrInvalidConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter config: %w", err)
	}
	return ParseFilter(data)
}

// ParseFilter compiles a filter configuration document.
func ParseFilter(data []byte) (*rules.Config, error) {
	var fc types.FilterConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse filter config: %w: %w", types.ErrInvalidConfig, err)
	}
	cfg, err := rules.Compile(&fc)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter config: %w", err)
	}
	return cfg, nil
}
