// control/probes.go
// Author: momentics <momentics@gmail.com>
//
// Named state probes for runtime inspection.

package control

import (
	"fmt"
	"sort"
	"sync"
)

// Probes holds named functions that report a piece of internal state.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewProbes creates an empty probe registry.
func NewProbes() *Probes {
	return &Probes{
		probes: make(map[string]func() any),
	}
}

// Register inserts or replaces the probe called name.
func (p *Probes) Register(name string, fn func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// Unregister drops the probe called name.
func (p *Probes) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.probes, name)
}

// Names returns the registered probe names in order.
func (p *Probes) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.probes))
	for k := range p.probes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Dump runs every probe. A probe that panics reports the panic value
// instead of its state.
func (p *Probes) Dump() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.probes))
	for k, fn := range p.probes {
		out[k] = run(fn)
	}
	return out
}

func run(fn func() any) (v any) {
	defer func() {
		if r := recover(); r != nil {
			v = fmt.Sprintf("probe failed: %v", r)
		}
	}()
	return fn()
}
