package knx

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// StatusEntry is the last known value of one group address.
type StatusEntry struct {
	Address GroupAddress `json:"-"`
	Name    string       `json:"name,omitempty"`
	DPT     DPT          `json:"dpt,omitempty"`

	// Value is the decoded value, or nil when the address has no datatype
	// configured or the payload failed to decode.
	Value any `json:"value"`

	Raw       []byte            `json:"-"`
	Source    IndividualAddress `json:"-"`
	UpdatedAt time.Time         `json:"updated_at"`

	// Updates counts telegrams seen for the address, including unchanged
	// ones.
	Updates uint64 `json:"updates"`
}

// RawHex returns the raw payload as upper-case hex.
func (e StatusEntry) RawHex() string {
	return hexUpper(e.Raw)
}

// StatusCache holds the latest value per group address with change
// detection. Safe for concurrent use.
type StatusCache struct {
	mu      sync.RWMutex
	entries map[GroupAddress]StatusEntry
}

// NewStatusCache creates an empty cache.
func NewStatusCache() *StatusCache {
	return &StatusCache{entries: make(map[GroupAddress]StatusEntry)}
}

// Update stores entry and reports whether the payload differs from the
// previous one. The first value for an address always counts as changed.
func (c *StatusCache) Update(entry StatusEntry) bool {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	entry.Raw = bytes.Clone(entry.Raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, seen := c.entries[entry.Address]
	entry.Updates = prev.Updates + 1
	c.entries[entry.Address] = entry

	return !seen || !bytes.Equal(prev.Raw, entry.Raw) || prev.DPT != entry.DPT
}

// Get returns the cached entry for ga.
func (c *StatusCache) Get(ga GroupAddress) (StatusEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[ga]
	return e, ok
}

// All returns every entry in ascending address order.
func (c *StatusCache) All() []StatusEntry {
	c.mu.RLock()
	out := make([]StatusEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.ToUint16() < out[j].Address.ToUint16()
	})
	return out
}

// Len returns the number of cached addresses.
func (c *StatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *StatusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[GroupAddress]StatusEntry)
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
