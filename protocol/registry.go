package protocol

import (
	"sync"

	"github.com/juju/errors"
)

// PayloadSpec describes how to accept one message type: minimum payload
// lengths for request and response direction. Decode drops shorter frames.
type PayloadSpec struct {
	Type       MessageType
	MinRequest uint8
	MinReply   uint8
}

// Fallback resolves payload specs for type codes absent from the registry,
// letting the application accept its own custom messages.
type Fallback func(t MessageType) (PayloadSpec, bool)

type Registry struct {
	mu       sync.RWMutex
	specs    map[MessageType]PayloadSpec
	fallback Fallback
}

// Probe-scoped payloads start with the target serial.
const serialLen = 4

var builtinSpecs = []PayloadSpec{
	{Type: TypeSetProbeID, MinRequest: serialLen + 1, MinReply: serialLen},
	{Type: TypeSetProbeColor, MinRequest: serialLen + 1, MinReply: serialLen},
	{Type: TypeReadSessionInfo, MinRequest: serialLen, MinReply: serialLen + 6},
	{Type: TypeReadLogs, MinRequest: serialLen + 8, MinReply: serialLen + 4},
	{Type: TypeSetPrediction, MinRequest: serialLen + 2, MinReply: serialLen},
	{Type: TypeReadOverTemperature, MinRequest: serialLen, MinReply: serialLen + 1},
	{Type: TypeProbeStatus, MinRequest: 18},
	{Type: TypeHeartbeat, MinRequest: 6},
}

func NewRegistry() *Registry {
	r := &Registry{specs: make(map[MessageType]PayloadSpec, len(builtinSpecs))}
	for _, s := range builtinSpecs {
		r.specs[s.Type] = s
	}
	return r
}

// Register adds an application-defined message type.
// Built-in codes are not overridable.
func (r *Registry) Register(spec PayloadSpec) error {
	t := spec.Type.Base()
	if !t.IsCustom() {
		return errors.NotValidf("register type=%02x outside custom space %02x-%02x",
			byte(t), byte(CustomTypeMin), byte(CustomTypeMax))
	}
	spec.Type = t
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[t]; ok {
		return errors.AlreadyExistsf("register type=%02x", byte(t))
	}
	r.specs[t] = spec
	return nil
}

// SetFallback installs the lookup of last resort for unregistered codes.
func (r *Registry) SetFallback(f Fallback) {
	r.mu.Lock()
	r.fallback = f
	r.mu.Unlock()
}

func (r *Registry) lookup(t MessageType) (PayloadSpec, bool) {
	t = t.Base()
	r.mu.RLock()
	spec, ok := r.specs[t]
	fb := r.fallback
	r.mu.RUnlock()
	if ok {
		return spec, true
	}
	if fb != nil {
		return fb(t)
	}
	return PayloadSpec{}, false
}
