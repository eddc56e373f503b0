// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-ollama/internal/api"
)

// Fixed timestamps keep every mock response byte-for-byte reproducible.
var (
	mockTime    = time.Date(2024, 2, 11, 10, 0, 0, 0, time.UTC)
	mockExpires = mockTime.Add(5 * time.Minute)
)

const (
	mockSize   = 4000000000
	mockDigest = "sha256:mock123"
)

// ModelRegistry holds the models the mock backend knows about. It starts
// empty and is safe for concurrent use.
type ModelRegistry struct {
	mu      sync.RWMutex
	models  map[string]api.ModelInfo
	running map[string]struct{}
}

// NewModelRegistry creates an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models:  make(map[string]api.ModelInfo),
		running: make(map[string]struct{}),
	}
}

// NewModelInfo returns the metadata the mock reports for a pulled model.
func NewModelInfo(name string) api.ModelInfo {
	return newModel(name, "llama", "")
}

// newModel builds the metadata every created or pulled model gets.
func newModel(name, family, quantization string) api.ModelInfo {
	if quantization == "" {
		quantization = "Q4_0"
	}
	return api.ModelInfo{
		Name:       name,
		Model:      name,
		ModifiedAt: mockTime,
		Size:       mockSize,
		Digest:     mockDigest,
		Details: api.ModelDetails{
			Format:            "gguf",
			Family:            family,
			ParameterSize:     "7B",
			QuantizationLevel: quantization,
		},
	}
}

// Put registers or replaces a model.
func (r *ModelRegistry) Put(m api.ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
}

// Get returns the model registered under name.
func (r *ModelRegistry) Get(name string) (api.ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Delete removes name and reports whether it existed.
func (r *ModelRegistry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.models[name]
	delete(r.models, name)
	delete(r.running, name)
	return ok
}

// Copy registers dst with the metadata of src. It reports false when src is
// unknown.
func (r *ModelRegistry) Copy(src, dst string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[src]
	if !ok {
		return false
	}
	m.Name = dst
	m.Model = dst
	r.models[dst] = m
	return true
}

// List returns all models sorted by name.
func (r *ModelRegistry) List() []api.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered models.
func (r *ModelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// touch marks a model as loaded.
func (r *ModelRegistry) touch(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.running[name] = struct{}{}
	r.mu.Unlock()
}

// Running returns the loaded models sorted by name. Models that were never
// registered are reported with default metadata.
func (r *ModelRegistry) Running() []api.RunningModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.RunningModel, 0, len(r.running))
	for name := range r.running {
		m, ok := r.models[name]
		if !ok {
			m = newModel(name, "llama", "")
		}
		out = append(out, api.RunningModel{
			Name:      m.Name,
			Model:     m.Name,
			Size:      m.Size,
			Digest:    m.Digest,
			Details:   m.Details,
			ExpiresAt: mockExpires,
			SizeVRAM:  m.Size,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
