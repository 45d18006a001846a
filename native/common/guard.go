package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports per-module pause switches toggled by the operator.
type PauseView interface {
	IsPaused(module string) bool
}

// PauseSet is a thread-safe PauseView seeded from configuration and
// toggled at runtime by the operator endpoints.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauseSet builds a pause set with the given modules already paused.
func NewPauseSet(modules ...string) *PauseSet {
	p := &PauseSet{paused: make(map[string]struct{}, len(modules))}
	for _, m := range modules {
		if m != "" {
			p.paused[m] = struct{}{}
		}
	}
	return p
}

func (p *PauseSet) IsPaused(module string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[module]
	return ok
}

// SetPaused flips the switch for one module.
func (p *PauseSet) SetPaused(module string, paused bool) {
	if module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = struct{}{}
	} else {
		delete(p.paused, module)
	}
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
