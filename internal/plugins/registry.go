package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/plugins/integrity"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
	"github.com/nupi-ai/habitvault/internal/validate"
)

type registration struct {
	manifest *manifest.Manifest
	digest   string
}

// Registry holds the manifests of registered plugins. Entries are never
// replaced once added.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds m. Invalid and duplicate ids are rejected with a
// *authz.ConfigurationError and leave the registry unchanged.
func (r *Registry) Register(m *manifest.Manifest) error {
	if m == nil {
		return &authz.ConfigurationError{Field: "manifest", Reason: "manifest is nil"}
	}
	id := m.ID()
	if !validate.Ident(id) {
		return &authz.ConfigurationError{PluginID: id, Field: "metadata.id", Reason: fmt.Sprintf("invalid plugin id %q", id)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[id]; ok {
		reason := "plugin already registered"
		if prev.manifest.Dir != "" {
			reason = fmt.Sprintf("plugin already registered from %s", prev.manifest.Dir)
		}
		return &authz.ConfigurationError{PluginID: id, Field: "metadata.id", Reason: reason}
	}
	r.entries[id] = registration{manifest: m, digest: integrity.Digest(m.Raw)}
	return nil
}

// Lookup returns the manifest registered under id.
func (r *Registry) Lookup(id string) (*manifest.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.manifest, ok
}

// Manifest returns the security manifest registered under id.
func (r *Registry) Manifest(id string) (manifest.SecurityManifest, bool) {
	m, ok := r.Lookup(id)
	if !ok {
		return manifest.SecurityManifest{}, false
	}
	return m.Security, true
}

// Trust returns the trust level registered under id.
func (r *Registry) Trust(id string) (manifest.TrustLevel, bool) {
	m, ok := r.Lookup(id)
	if !ok {
		return 0, false
	}
	return m.Trust, true
}

// Digest returns the SHA-256 of the manifest text as it was registered.
func (r *Registry) Digest(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.digest, ok
}

// List returns every registered manifest sorted by id.
func (r *Registry) List() []*manifest.Manifest {
	r.mu.RLock()
	out := make([]*manifest.Manifest, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.manifest)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
