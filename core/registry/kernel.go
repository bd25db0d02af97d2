package registry

import (
	"errors"
	"sync"

	"daokernel/core/types"
	"daokernel/native/gate"
)

var (
	// ErrInvalidKey indicates a module key that is not three characters.
	ErrInvalidKey = errors.New("registry: module keys are three characters")
	// ErrModuleNotFound indicates no module is installed under the key.
	ErrModuleNotFound = errors.New("registry: module not installed")
)

// Module is anything installable under a short key.
type Module interface {
	ModuleKey() string
}

// Kernel is the module registry: it owns the access gate, hosts the shared
// event log, and resolves modules by their short keys ("TKN", "EPC", "MBR",
// "TSY", "MNG", "PAY").
type Kernel struct {
	mu      sync.RWMutex
	name    string
	gate    *gate.Gate
	modules map[string]Module
	events  []types.Event
}

// NewKernel constructs a kernel owned by the supplied address.
func NewKernel(name string, owner types.Address) *Kernel {
	return &Kernel{
		name:    name,
		gate:    gate.New(owner),
		modules: make(map[string]Module),
	}
}

// Name returns the DAO's display name.
func (k *Kernel) Name() string { return k.name }

// Address returns the kernel's own custody address, used as the beneficiary of
// treasury fees.
func (k *Kernel) Address() types.Address {
	return types.ModuleAddress("kernel/" + k.name)
}

// Gate returns the kernel's access gate.
func (k *Kernel) Gate() *gate.Gate { return k.gate }

// Owner returns the kernel owner.
func (k *Kernel) Owner() types.Address { return k.gate.Owner() }

// Install registers a module under its key, replacing any previous
// installation of the same key. Owner only.
func (k *Kernel) Install(caller types.Address, module Module) error {
	if err := k.gate.RequireOwner(caller); err != nil {
		return err
	}
	key := module.ModuleKey()
	if len(key) != 3 {
		return ErrInvalidKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.modules[key] = module
	return nil
}

// Module resolves an installed module by key.
func (k *Kernel) Module(key string) (Module, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	module, ok := k.modules[key]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return module, nil
}

// AppendEvent records an event on the shared log.
func (k *Kernel) AppendEvent(evt *types.Event) {
	if evt == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.events = append(k.events, *evt)
}

// Events returns a copy of the full event log.
func (k *Kernel) Events() []types.Event {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]types.Event, len(k.events))
	copy(out, k.events)
	return out
}

// EventsOfType filters the log by event type, preserving order.
func (k *Kernel) EventsOfType(eventType string) []types.Event {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []types.Event
	for _, evt := range k.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}
