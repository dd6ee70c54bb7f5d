package distro

import (
	"context"
	"sync"
)

// Customizer is the per-distribution extension point. An implementation may
// rewrite the extracted workspace tree (brand files, bootloader tweaks,
// package cache pruning) before it is packaged. Registering one is optional;
// distributions without a customizer are packaged as extracted.
type Customizer interface {
	Customize(ctx context.Context, workspaceDir string) error
}

var (
	customizersMu sync.RWMutex
	customizers   = map[Identity]Customizer{}
)

// RegisterCustomizer binds a customizer to an identity, replacing any
// previous registration for it. Registering nil removes the binding.
func RegisterCustomizer(id Identity, c Customizer) {
	customizersMu.Lock()
	defer customizersMu.Unlock()

	if c == nil {
		delete(customizers, id)
		return
	}

	customizers[id] = c
}

// CustomizerFor returns the registered customizer for id, if any.
func CustomizerFor(id Identity) (c Customizer, ok bool) {
	customizersMu.RLock()
	defer customizersMu.RUnlock()

	c, ok = customizers[id]
	return
}
