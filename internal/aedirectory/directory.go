// Package aedirectory maps DIMSE AE titles to the host:port a C-MOVE
// destination or outbound test should dial, with a configurable
// fallback for titles with no explicit entry.
package aedirectory

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// Entry is one AE directory record.
type Entry struct {
	ID          string
	AETitle     string
	Host        string
	Port        int
	Description string
}

// Directory is a case-insensitive AE title lookup with an optional
// fallback destination for unknown titles.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	fallbackHost string
	fallbackPort int
}

// New builds an empty Directory with the given fallback destination.
// A zero fallbackPort disables the fallback: unknown titles then
// resolve to KindUnknownDestination.
func New(fallbackHost string, fallbackPort int) *Directory {
	return &Directory{
		entries:      make(map[string]*Entry),
		fallbackHost: fallbackHost,
		fallbackPort: fallbackPort,
	}
}

// Put registers or replaces the entry for aeTitle.
func (d *Directory) Put(aeTitle, host string, port int, description string) *Entry {
	key := strings.ToUpper(aeTitle)
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := &Entry{
		ID:          uuid.NewString(),
		AETitle:     strings.ToUpper(aeTitle),
		Host:        host,
		Port:        port,
		Description: description,
	}
	d.entries[key] = entry
	return entry
}

// Remove deletes the entry for aeTitle, if any.
func (d *Directory) Remove(aeTitle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, strings.ToUpper(aeTitle))
}

// List returns every registered entry in no particular order.
func (d *Directory) List() []*Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out
}

// Resolve looks up aeTitle case-insensitively, falling back to the
// configured fallback destination when no entry exists. Returns
// KindUnknownDestination if neither resolves.
func (d *Directory) Resolve(aeTitle string) (host string, port int, err error) {
	key := strings.ToUpper(aeTitle)

	d.mu.RLock()
	entry, ok := d.entries[key]
	d.mu.RUnlock()

	if ok {
		return entry.Host, entry.Port, nil
	}
	if d.fallbackPort != 0 {
		return d.fallbackHost, d.fallbackPort, nil
	}
	return "", 0, dimse.NewError(dimse.KindUnknownDestination, "AE title "+aeTitle+" not found", nil)
}
