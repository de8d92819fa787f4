package drill

import (
	"sort"
	"sync"
	"time"

	"mirage-mcp-server/internal/synth"
)

// Registry owns one Machine per query key.
type Registry struct {
	mu       sync.Mutex
	machines map[Key]*Machine

	synth  Skeletoner
	notify Notifier
	labels func(Key) synth.LabelSource
	clock  func() time.Time
}

type RegistryOption func(*Registry)

// WithNotifier sets the receiver of drill events.
func WithNotifier(n Notifier) RegistryOption {
	return func(r *Registry) { r.notify = n }
}

// WithLabels sets the label source used for freshly drilled attributes.
func WithLabels(fn func(Key) synth.LabelSource) RegistryOption {
	return func(r *Registry) { r.labels = fn }
}

func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

func NewRegistry(s Skeletoner, opts ...RegistryOption) *Registry {
	r := &Registry{
		machines: make(map[Key]*Machine),
		synth:    s,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Machine returns the machine for key, creating it on first use.
func (r *Registry) Machine(key Key) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[key]; ok {
		return m
	}
	m := &Machine{
		key:    key,
		synth:  r.synth,
		notify: r.notify,
		clock:  r.clock,
	}
	if r.labels != nil {
		m.labels = r.labels(key)
	}
	r.machines[key] = m
	return m
}

// Lookup returns the machine for key without creating one.
func (r *Registry) Lookup(key Key) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[key]
	return m, ok
}

// Restore seeds the machine for key from persisted records.
func (r *Registry) Restore(key Key, records []Record) {
	r.Machine(key).Restore(records)
}

// Keys lists the tracked queries in stable order.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.machines))
	for k := range r.machines {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Reset drops every machine; called when the dashboard closes.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines = make(map[Key]*Machine)
}
