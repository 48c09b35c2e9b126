package tunnel

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RelayInfo is one relay announced by the control plane
type RelayInfo struct {
	UUID    string `json:"uuid"`
	FQDN    string `json:"fqdn"`
	Address string `json:"address"`
}

// PublicHost is the name debuggers use to reach the relay
func (r RelayInfo) PublicHost() string {
	if r.FQDN != "" {
		return r.FQDN
	}
	return r.Address
}

// Directory caches the relay map pushed by the control plane
type Directory struct {
	mu     sync.RWMutex
	relays map[string]RelayInfo
}

func NewDirectory() *Directory {
	return &Directory{relays: make(map[string]RelayInfo)}
}

// Replace swaps in a new relay map
func (d *Directory) Replace(relays []RelayInfo) {
	m := make(map[string]RelayInfo, len(relays))
	for _, r := range relays {
		if r.UUID == "" {
			continue
		}
		r.UUID = relayKey(r.UUID)
		m[r.UUID] = r
	}
	d.mu.Lock()
	d.relays = m
	d.mu.Unlock()
}

func (d *Directory) Lookup(id string) (RelayInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.relays[relayKey(id)]
	return r, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.relays)
}

// relayKey puts UUIDs in the canonical lowercase form ssh tokens are parsed into
func relayKey(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return strings.ToLower(strings.TrimSpace(id))
}
