// Package source holds the catalog of configured source profiles and the
// registry that picks fetch and extract capabilities per source.
package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// Source kinds.
const (
	KindHTML = "html"
	KindAPI  = "api"
)

// Catalog is a read-mostly set of source profiles keyed by ID.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]acquire.SourceProfile
}

// NewCatalog indexes profiles by ID.
func NewCatalog(profiles ...acquire.SourceProfile) *Catalog {
	c := &Catalog{profiles: make(map[string]acquire.SourceProfile, len(profiles))}
	for _, p := range profiles {
		c.profiles[p.ID] = p
	}
	return c
}

// Profile returns the profile for id.
func (c *Catalog) Profile(id string) (acquire.SourceProfile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[id]
	if !ok {
		return acquire.SourceProfile{}, fmt.Errorf("source %q: %w", id, acquire.ErrUnknownSource)
	}
	return p, nil
}

// Put adds or replaces a profile.
func (c *Catalog) Put(p acquire.SourceProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.ID] = p
}

// List returns all profiles sorted by ID.
func (c *Catalog) List() []acquire.SourceProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]acquire.SourceProfile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve validates a source/category selector and returns its profile.
func (c *Catalog) Resolve(id, category string) (acquire.SourceProfile, error) {
	p, err := c.Profile(id)
	if err != nil {
		return p, err
	}
	if !p.HasCategory(category) {
		return acquire.SourceProfile{}, fmt.Errorf("source %q has no category %q: %w", id, category, acquire.ErrInvalidJob)
	}
	return p, nil
}
