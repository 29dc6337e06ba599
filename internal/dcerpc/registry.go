package dcerpc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"firestige.xyz/capdissect/internal/field"
	"firestige.xyz/capdissect/internal/ndr"
)

// Call carries the state shared by the request and response of one call id.
// Values lets a request record what its response needs to decode, such as
// the info level an enumeration asked for.
type Call struct {
	ID      uint32
	Opnum   uint16
	Request bool
	Values  map[string]uint32
}

// Set records a value for the response half of the call.
func (c *Call) Set(key string, v uint32) {
	if c.Values == nil {
		c.Values = make(map[string]uint32)
	}
	c.Values[key] = v
}

// Get returns a value recorded by the request half of the call.
func (c *Call) Get(key string) (uint32, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Interface is a sub-dissector for one RPC interface.
type Interface interface {
	UUID() uuid.UUID
	Version() uint16
	Name() string
	OpName(opnum uint16) string
	// Decode decodes the stub of one request or response under parent.
	// Interfaces that only name their operations return nil.
	Decode(d *ndr.Decoder, parent *field.Span, call *Call) error
}

// Registry maps interface UUIDs to sub-dissectors.
type Registry struct {
	mu     sync.RWMutex
	byUUID map[uuid.UUID]Interface
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUUID: make(map[uuid.UUID]Interface)}
}

// Register adds an interface. Registering a UUID twice is an error.
func (r *Registry) Register(i Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUUID[i.UUID()]; exists {
		return fmt.Errorf("interface %s (%s) already registered", i.Name(), i.UUID())
	}
	r.byUUID[i.UUID()] = i
	return nil
}

// Lookup returns the interface registered for id.
func (r *Registry) Lookup(id uuid.UUID) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byUUID[id]
	return i, ok
}

// Len returns the number of registered interfaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUUID)
}
