package registry

import (
	"maps"
	"slices"
	"sync"

	"github.com/amoylab/keyrelay/internal/common/cnst"
)

// Key is one content key extracted from a license, hex encoded
type Key struct {
	KID string `json:"kid"`
	K   string `json:"k"`
}

// Manifest is a classified streaming manifest seen on a page
type Manifest struct {
	Type    cnst.ManifestType `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Entry is one completed license exchange
type Entry struct {
	Type      string     `json:"type"`
	WRMHeader string     `json:"wrm_header"`
	Keys      []Key      `json:"keys"`
	URL       string     `json:"url"`
	Timestamp int64      `json:"timestamp"`
	Manifests []Manifest `json:"manifests"`
}

// Registry holds the exchange log and the per-origin manifest lists. It also
// tracks correlation keys whose exchange is in flight so that dedup can be
// decided before the CDM is called.
type Registry struct {
	mu        sync.RWMutex
	entries   []Entry
	logged    map[string]struct{}
	inFlight  map[string]struct{}
	manifests map[string][]Manifest
}

func New() *Registry {
	return &Registry{
		logged:    make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
		manifests: make(map[string][]Manifest),
	}
}

// Append adds an entry to the log and releases any reservation held for its key
func (r *Registry) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, cloneEntry(e))
	r.logged[e.WRMHeader] = struct{}{}
	delete(r.inFlight, e.WRMHeader)
}

// Has reports whether an entry for key was already logged
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.logged[key]
	return ok
}

// Reserve marks key as in flight. It returns false when the key is already
// logged or reserved.
func (r *Registry) Reserve(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logged[key]; ok {
		return false
	}
	if _, ok := r.inFlight[key]; ok {
		return false
	}
	r.inFlight[key] = struct{}{}
	return true
}

// Release drops an in-flight reservation without logging anything
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, key)
}

// InFlight reports whether key is reserved
func (r *Registry) InFlight(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inFlight[key]
	return ok
}

// Snapshot returns a copy of the log in append order
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Len returns the number of logged entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear resets the log and every manifest list. Reservations survive so an
// exchange in progress can still complete.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.logged = make(map[string]struct{})
	r.manifests = make(map[string][]Manifest)
}

// AddManifest attaches m to origin unless a manifest with the same url is
// already there. It reports whether m was added.
func (r *Registry) AddManifest(origin string, m Manifest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.manifests[origin]
	if slices.ContainsFunc(list, func(e Manifest) bool { return e.URL == m.URL }) {
		return false
	}
	r.manifests[origin] = append(list, cloneManifest(m))
	return true
}

// Manifests returns a copy of the manifests seen for origin, never nil
func (r *Registry) Manifests(origin string) []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneManifests(r.manifests[origin])
}

// ClearManifests drops every origin's manifests
func (r *Registry) ClearManifests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests = make(map[string][]Manifest)
}

func cloneEntry(e Entry) Entry {
	e.Keys = slices.Clone(e.Keys)
	if e.Keys == nil {
		e.Keys = []Key{}
	}
	e.Manifests = cloneManifests(e.Manifests)
	return e
}

func cloneManifests(list []Manifest) []Manifest {
	out := make([]Manifest, len(list))
	for i, m := range list {
		out[i] = cloneManifest(m)
	}
	return out
}

func cloneManifest(m Manifest) Manifest {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	} else {
		m.Headers = maps.Clone(m.Headers)
	}
	return m
}
