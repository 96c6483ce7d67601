package source

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// Capability pairs the fetcher and extractor used for one source.
type Capability struct {
	Fetcher   acquire.Fetcher
	Extractor acquire.Extractor
}

// Registry selects capabilities by source ID, falling back to the default
// registered for the source kind.
type Registry struct {
	mu      sync.RWMutex
	catalog *Catalog
	bySrc   map[string]Capability
	byKind  map[string]Capability
}

// NewRegistry returns an empty registry over catalog.
func NewRegistry(catalog *Catalog) *Registry {
	return &Registry{
		catalog: catalog,
		bySrc:   map[string]Capability{},
		byKind:  map[string]Capability{},
	}
}

// Register binds a capability to a specific source.
func (r *Registry) Register(sourceID string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySrc[sourceID] = c
}

// RegisterKind binds the default capability for a source kind.
func (r *Registry) RegisterKind(kind string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = c
}

// Lookup returns the profile and capability for sourceID.
func (r *Registry) Lookup(sourceID string) (acquire.SourceProfile, Capability, error) {
	profile, err := r.catalog.Profile(sourceID)
	if err != nil {
		return profile, Capability{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.bySrc[sourceID]; ok {
		return profile, c, nil
	}
	kind := profile.Kind
	if kind == "" {
		kind = KindHTML
	}
	if c, ok := r.byKind[kind]; ok {
		return profile, c, nil
	}
	return profile, Capability{}, fmt.Errorf("no capability for source %q (kind %s): %w", sourceID, kind, acquire.ErrUnknownSource)
}

// Catalog exposes the underlying profiles.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}
