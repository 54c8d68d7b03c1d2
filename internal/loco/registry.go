// Package loco implements the locomotive registry: the inventory of
// locomotives known to the test stand, keyed by their display name.
package loco

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MickyRosa/VisTrain2.0/internal/config"
)

// ErrLocomotiveNotFound is returned by Lookup for an unknown name.
var ErrLocomotiveNotFound = errors.New("LOCOMOTIVE_NOT_FOUND")

// ErrInvalidLocomotive is returned by Add for an entry that cannot be driven.
var ErrInvalidLocomotive = errors.New("INVALID_LOCOMOTIVE")

// Locomotive is one registry entry.
type Locomotive struct {
	Name     string `json:"name"`
	Address  int    `json:"address"`
	MaxNotch int    `json:"maxNotch"`
}

// List is the response format for GET /locomotives.
type List struct {
	ActiveName string       `json:"activeName"`
	Items      []Locomotive `json:"items"`
}

// Resolver is the read-only view consumed by the dispatcher and orchestrator.
type Resolver interface {
	Lookup(name string) (Locomotive, error)
}

// Registry holds locomotives and the currently selected one.
type Registry struct {
	mu         sync.RWMutex
	locos      map[string]Locomotive
	activeName string
}

var _ Resolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locos: make(map[string]Locomotive)}
}

// FromConfig builds a registry from the locomotives section of the config.
func FromConfig(entries []config.LocomotiveConfig) (*Registry, error) {
	r := NewRegistry()
	for _, e := range entries {
		if err := r.Add(Locomotive{Name: e.Name, Address: e.Address, MaxNotch: e.MaxNotch}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add inserts or replaces a locomotive. The first one added becomes active.
func (r *Registry) Add(l Locomotive) error {
	if l.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidLocomotive)
	}
	if l.MaxNotch <= 0 {
		return fmt.Errorf("%w: %s has maxNotch %d", ErrInvalidLocomotive, l.Name, l.MaxNotch)
	}
	if l.Address < 0 {
		return fmt.Errorf("%w: %s has address %d", ErrInvalidLocomotive, l.Name, l.Address)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.locos[l.Name] = l
	if r.activeName == "" {
		r.activeName = l.Name
	}
	return nil
}

// Remove deletes a locomotive. Removing the active one clears the selection.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.locos[name]; !exists {
		return notFound(name)
	}
	delete(r.locos, name)
	if r.activeName == name {
		r.activeName = ""
	}
	return nil
}

// Lookup resolves a name to its address and notch limit.
func (r *Registry) Lookup(name string) (Locomotive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, exists := r.locos[name]
	if !exists {
		return Locomotive{}, notFound(name)
	}
	return l, nil
}

// SetActive selects the locomotive used when a request names none.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.locos[name]; !exists {
		return notFound(name)
	}
	r.activeName = name
	return nil
}

// Active returns the selected locomotive name, or "".
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeName
}

// List returns all locomotives sorted by name.
func (r *Registry) List() List {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]Locomotive, 0, len(r.locos))
	for _, l := range r.locos {
		items = append(items, l)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return List{ActiveName: r.activeName, Items: items}
}

// Count returns the number of registered locomotives.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locos)
}

func notFound(name string) error {
	return fmt.Errorf("%w: no locomotive named '%s'", ErrLocomotiveNotFound, name)
}
