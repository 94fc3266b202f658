package statestore

import (
	"sort"
	"sync"

	"github.com/c360/homecore/types"
)

// domainIndex maps a domain to the set of its entity ids.
type domainIndex struct {
	mu    sync.RWMutex
	byDom map[string]map[types.EntityID]struct{}
	count int
}

func newDomainIndex() *domainIndex {
	return &domainIndex{byDom: make(map[string]map[types.EntityID]struct{})}
}

func (d *domainIndex) add(id types.EntityID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.byDom[id.Domain()]
	if !ok {
		set = make(map[types.EntityID]struct{})
		d.byDom[id.Domain()] = set
	}
	if _, exists := set[id]; !exists {
		set[id] = struct{}{}
		d.count++
	}
}

func (d *domainIndex) remove(id types.EntityID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.byDom[id.Domain()]
	if !ok {
		return
	}
	if _, exists := set[id]; exists {
		delete(set, id)
		d.count--
	}
	if len(set) == 0 {
		delete(d.byDom, id.Domain())
	}
}

func (d *domainIndex) ids(domain string) []types.EntityID {
	d.mu.RLock()
	set := d.byDom[domain]
	out := make([]types.EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	d.mu.RUnlock()
	sortIDs(out)
	return out
}

func (d *domainIndex) domains() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.byDom))
	for dom := range d.byDom {
		out = append(out, dom)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (d *domainIndex) total() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}
