package main

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// envConfig holds the defaults of the command line flags, read from
// WASMBOX_* environment variables.
type envConfig struct {
	Function     string `envconfig:"FUNCTION" default:"add"`
	MemoryMB     uint64 `envconfig:"MEMORY_MB" default:"10"`
	Fuel         uint64 `envconfig:"FUEL" default:"10000"`
	TableEntries uint32 `envconfig:"TABLE_ENTRIES" default:"1000"`
	CacheDir     string `envconfig:"CACHE_DIR"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
}

func loadEnv() (envConfig, error) {
	var cfg envConfig
	if err := envconfig.Process("wasmbox", &cfg); err != nil {
		return envConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
