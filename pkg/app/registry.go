package app

import (
	"sync"
	"weak"
)

// Registry de-duplicates apps by unique id without keeping them alive.
type Registry struct {
	mu   sync.Mutex
	apps map[string]weak.Pointer[App]
	adds int
}

func NewRegistry() *Registry {
	return &Registry{apps: map[string]weak.Pointer[App]{}}
}

func (r *Registry) Lookup(uniqueID string) *App {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp, ok := r.apps[uniqueID]
	if !ok {
		return nil
	}
	a := wp.Value()
	if a == nil {
		delete(r.apps, uniqueID)
	}
	return a
}

func (r *Registry) Add(a *App) {
	id := a.UniqueID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[id] = weak.Make(a)
	if r.adds++; r.adds%128 == 0 {
		r.prune()
	}
}

// Rekey moves a registered app to its current unique id, after its origin was resolved.
// A live app already registered under that id keeps it.
func (r *Registry) Rekey(a *App) {
	id := a.UniqueID()
	r.mu.Lock()
	defer r.mu.Unlock()
	var moved bool
	for old, wp := range r.apps {
		if old != id && wp.Value() == a {
			delete(r.apps, old)
			moved = true
		}
	}
	if !moved {
		return
	}
	if cur, ok := r.apps[id]; ok && cur.Value() != nil {
		return
	}
	r.apps[id] = weak.Make(a)
}

func (r *Registry) Remove(a *App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, wp := range r.apps {
		if wp.Value() == a {
			delete(r.apps, id)
		}
	}
}

// Len counts entries whose app is still alive.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.apps)
}

func (r *Registry) prune() {
	for id, wp := range r.apps {
		if wp.Value() == nil {
			delete(r.apps, id)
		}
	}
}
