package config

import (
	"fmt"
	"sync"
)

// updatableKeys are the only fields that may change at runtime. Everything
// else (backends, paths, dimensions) requires a restart because live
// components are wired against it.
var updatableKeys = map[string]struct{}{
	"chunk_size":           {},
	"chunk_overlap":        {},
	"min_chunk_size":       {},
	"top_k":                {},
	"similarity_threshold": {},
	"enable_hybrid_search": {},
	"llm_model":            {},
	"temperature":          {},
	"max_tokens":           {},
}

// Manager guards the live configuration for concurrent readers and
// whitelisted runtime updates.
type Manager struct {
	mu  sync.RWMutex
	cfg Config
}

// NewManager wraps a validated configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update applies whitelisted key/value updates. Unknown or non-updatable keys
// are rejected before anything is applied; a failed update leaves the
// configuration untouched.
func (m *Manager) Update(updates map[string]any) (Config, error) {
	for key := range updates {
		if _, ok := updatableKeys[key]; !ok {
			return Config{}, fmt.Errorf("config key %q is not updatable", key)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	for key, val := range updates {
		if err := apply(&next, key, val); err != nil {
			return Config{}, err
		}
	}
	if err := next.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid update: %w", err)
	}
	m.cfg = next
	return next, nil
}

func apply(c *Config, key string, val any) error {
	switch key {
	case "chunk_size":
		return setInt(&c.ChunkSize, key, val)
	case "chunk_overlap":
		return setInt(&c.ChunkOverlap, key, val)
	case "min_chunk_size":
		return setInt(&c.MinChunkSize, key, val)
	case "top_k":
		return setInt(&c.TopK, key, val)
	case "similarity_threshold":
		return setFloat(&c.SimilarityThreshold, key, val)
	case "enable_hybrid_search":
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("config key %q expects a boolean", key)
		}
		c.EnableHybridSearch = b
		return nil
	case "llm_model":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("config key %q expects a string", key)
		}
		c.LLMModel = s
		return nil
	case "temperature":
		return setFloat(&c.Temperature, key, val)
	case "max_tokens":
		return setInt(&c.MaxTokens, key, val)
	}
	return fmt.Errorf("config key %q is not updatable", key)
}

func setInt(dst *int, key string, val any) error {
	switch v := val.(type) {
	case int:
		*dst = v
	case float64: // JSON numbers decode as float64
		*dst = int(v)
	default:
		return fmt.Errorf("config key %q expects a number", key)
	}
	return nil
}

func setFloat(dst *float64, key string, val any) error {
	switch v := val.(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	default:
		return fmt.Errorf("config key %q expects a number", key)
	}
	return nil
}
