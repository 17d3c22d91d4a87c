// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package main

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// Config is the representation of xhashbench's YAML scenario file.
type Config struct {
	// Keys is the total number of distinct keys to insert.
	Keys int `yaml:"keys"`

	// ValueSize is the length, in bytes, of every generated value.
	ValueSize int `yaml:"value-size"`

	// Writers is the number of concurrent goroutines performing Insert.
	Writers int `yaml:"writers"`

	// Readers is the number of concurrent goroutines performing Get
	// once the fill phase completes.
	Readers int `yaml:"readers"`

	// DeleteFraction, between 0 and 1, is the fraction of keys to
	// delete after the fill phase, before the read phase starts.
	DeleteFraction float64 `yaml:"delete-fraction"`

	// MetricsAddr, if non-empty, serves /metrics on this address for
	// the duration of the run.
	MetricsAddr string `yaml:"metrics-addr"`

	// InitialCapacity is the number of segments the index's directory
	// starts with; must be a power of two. Defaults to 1. Raising it
	// lets a scenario start the fill phase already spread across
	// several segments instead of forcing every writer through the
	// initial segment's splits.
	InitialCapacity int `yaml:"initial-capacity"`
}

// DefaultConfig returns the scenario run when no -config flag is given.
func DefaultConfig() *Config {
	return &Config{
		Keys:            1 << 20,
		ValueSize:       32,
		Writers:         4,
		Readers:         8,
		DeleteFraction:  0,
		InitialCapacity: 1,
	}
}

func parseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("xhashbench: invalid config: %w", err)
	}
	if config.Keys <= 0 {
		return nil, fmt.Errorf("xhashbench: keys must be positive, got %d", config.Keys)
	}
	if config.Writers <= 0 {
		return nil, fmt.Errorf("xhashbench: writers must be positive, got %d", config.Writers)
	}
	if config.DeleteFraction < 0 || config.DeleteFraction >= 1 {
		return nil, fmt.Errorf("xhashbench: delete-fraction must be in [0, 1), got %f", config.DeleteFraction)
	}
	if config.InitialCapacity <= 0 || config.InitialCapacity&(config.InitialCapacity-1) != 0 {
		return nil, fmt.Errorf("xhashbench: initial-capacity must be a power of two, got %d", config.InitialCapacity)
	}
	return config, nil
}
