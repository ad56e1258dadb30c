package identity

import (
	"slices"
	"sync"
)

// Holder is the mutable owner of the local identity. The transport port
// and the capability sets are only known after other modules start, so
// announcement paths read through Current() instead of holding a copy.
type Holder struct {
	mu    sync.RWMutex
	ident Identity
}

// NewHolder wraps a base identity.
func NewHolder(ident Identity) *Holder {
	return &Holder{ident: ident}
}

// Current returns a copy of the identity as of now.
func (h *Holder) Current() Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := h.ident
	out.Incoming = slices.Clone(h.ident.Incoming)
	out.Outgoing = slices.Clone(h.ident.Outgoing)
	return out
}

// SetTCPPort records the bound transport port.
func (h *Holder) SetTCPPort(port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ident.TCPPort = port
}

// SetCapabilities records the announced capability sets.
func (h *Holder) SetCapabilities(incoming, outgoing []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ident.Incoming = slices.Clone(incoming)
	h.ident.Outgoing = slices.Clone(outgoing)
}
