package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/namel3ss/n3flow/ir"
)

// Environment variables consumed at engine construction.
const (
	EnvMaxParallel      = "N3_MAX_PARALLEL_TASKS"
	EnvProvidersJSON    = "N3_PROVIDERS_JSON"
	EnvMemoryStoresJSON = "N3_MEMORY_STORES_JSON"
)

// DefaultMaxParallel caps concurrent parallel branches when the environment
// does not override it.
const DefaultMaxParallel = 4

// MaxParallelFromEnv reads the parallel branch cap. Unset, unparsable, or
// non-positive values fall back to the default.
func MaxParallelFromEnv() int {
	raw := os.Getenv(EnvMaxParallel)
	if raw == "" {
		return DefaultMaxParallel
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultMaxParallel
	}
	return n
}

type (
	providerEnvEntry struct {
		Kind    string `json:"kind"`
		APIKey  string `json:"api_key"`
		BaseURL string `json:"base_url"`
	}

	memoryStoreEnvEntry struct {
		Backend string `json:"backend"`
		Addr    string `json:"addr"`
	}
)

// ProvidersFromEnv parses provider credentials from the environment. The
// value is a JSON object keyed by provider name.
func ProvidersFromEnv() (map[string]*ir.ProviderDef, error) {
	raw := os.Getenv(EnvProvidersJSON)
	if raw == "" {
		return nil, nil
	}
	var entries map[string]providerEnvEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", EnvProvidersJSON, err)
	}
	out := make(map[string]*ir.ProviderDef, len(entries))
	for name, entry := range entries {
		out[name] = &ir.ProviderDef{
			Name:    name,
			Kind:    entry.Kind,
			APIKey:  entry.APIKey,
			BaseURL: entry.BaseURL,
		}
	}
	return out, nil
}

// MemoryStoresFromEnv parses memory store definitions from the environment.
// The value is a JSON object keyed by store name.
func MemoryStoresFromEnv() (map[string]*ir.MemoryStoreDef, error) {
	raw := os.Getenv(EnvMemoryStoresJSON)
	if raw == "" {
		return nil, nil
	}
	var entries map[string]memoryStoreEnvEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", EnvMemoryStoresJSON, err)
	}
	out := make(map[string]*ir.MemoryStoreDef, len(entries))
	for name, entry := range entries {
		out[name] = &ir.MemoryStoreDef{Name: name, Backend: entry.Backend, Addr: entry.Addr}
	}
	return out, nil
}
