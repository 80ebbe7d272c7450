package app

import (
	"slices"
	"sync"
)

// List is an ordered set of apps, de-duplicated by unique id.
type List struct {
	mu   sync.RWMutex
	apps []*App
	seen map[string]*App
}

func NewList(apps ...*App) *List {
	l := &List{seen: map[string]*App{}}
	for _, a := range apps {
		l.Add(a)
	}
	return l
}

// Add appends a unless an app with the same unique id is already present.
func (l *List) Add(a *App) {
	if a == nil {
		return
	}
	id := a.UniqueID()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return
	}
	l.seen[id] = a
	l.apps = append(l.apps, a)
}

func (l *List) AddList(other *List) {
	for _, a := range other.Apps() {
		l.Add(a)
	}
}

func (l *List) Remove(a *App) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apps = slices.DeleteFunc(l.apps, func(x *App) bool { return x == a })
	for id, x := range l.seen {
		if x == a {
			delete(l.seen, id)
		}
	}
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.apps)
}

func (l *List) Index(i int) *App {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.apps[i]
}

func (l *List) Apps() []*App {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.apps)
}

// Lookup finds an app by unique id; "*" parts match anything.
func (l *List) Lookup(uniqueID string) *App {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.seen[uniqueID]; ok {
		return a
	}
	for _, a := range l.apps {
		if MatchUniqueID(a.UniqueID(), uniqueID) {
			return a
		}
	}
	return nil
}
