// Package codec provides the pluggable blob encodings used for call instructions,
// call outcomes and control-channel payloads.
//
// Both sides of a session must agree on the codec. The supervisor tells the worker
// which one to use through the CALLSESS_CODEC environment variable, so codecs are
// looked up by name.
package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Codec encodes and decodes opaque call payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

var (
	registryMut sync.RWMutex
	registry    = map[string]Codec{}
)

func init() {
	Register(CBOR{})
	Register(JSON{})
	Register(NewZstd(CBOR{}))
}

// Default returns the codec sessions use when none is configured.
func Default() Codec { return CBOR{} }

// Register makes a codec available to ByName. Registering a name twice replaces the earlier codec.
func Register(c Codec) {
	registryMut.Lock()
	defer registryMut.Unlock()
	registry[c.Name()] = c
}

// ByName returns the registered codec with the given name.
func ByName(name string) (Codec, error) {
	if name == "" {
		return Default(), nil
	}
	registryMut.RLock()
	defer registryMut.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (known: %v)", name, names())
	}
	return c, nil
}

func names() []string {
	var ns []string
	for n := range registry {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	return ns
}

// JSON encodes payloads with encoding/json. Useful when blobs need to be readable on disk.
type JSON struct{}

func (JSON) Name() string                    { return "json" }
func (JSON) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSON) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
