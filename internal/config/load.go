package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadAssembly reads and parses an assembly table document. The result
// is not validated; callers run Validate before using it.
func LoadAssembly(path string) (*AssemblyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assembly table: %w", err)
	}
	return ParseAssembly(data)
}

// ParseAssembly parses an assembly table from raw JSON.
func ParseAssembly(data []byte) (*AssemblyTable, error) {
	var table AssemblyTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse assembly table: %w", err)
	}
	return &table, nil
}

// LoadScheduler reads and parses a scheduler config document. The
// result is not validated; callers run Validate before using it.
func LoadScheduler(path string) (*SchedulerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scheduler config: %w", err)
	}
	return ParseScheduler(data)
}

// ParseScheduler parses a scheduler config from raw JSON.
func ParseScheduler(data []byte) (*SchedulerConfig, error) {
	var cfg SchedulerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	return &cfg, nil
}
