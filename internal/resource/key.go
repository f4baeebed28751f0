package resource

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Type identifies the kind of backend object a key describes.
type Type uint16

const (
	InvalidType Type = iota
	TextureType
	BufferType
	SamplerType
	PipelineType
)

func (t Type) String() string {
	switch t {
	case TextureType:
		return "texture"
	case BufferType:
		return "buffer"
	case SamplerType:
		return "sampler"
	case PipelineType:
		return "pipeline"
	}
	return "invalid"
}

// Shareable controls whether a cached resource can be handed to more than
// one holder at a time.
type Shareable bool

const (
	// Scratch resources are only found while purgeable, so each holder gets
	// exclusive use.
	Scratch Shareable = false
	// Shared resources are found even while in use.
	Shared Shareable = true
)

// Key identifies a backend object by type and a list of descriptor words
// (dimensions, format, usage flags and so on). The zero Key is invalid.
type Key struct {
	typ       Type
	shareable Shareable
	hash      uint64
	data      []uint32
}

// NewKey builds a key. The descriptor words are copied.
func NewKey(typ Type, shareable Shareable, data ...uint32) Key {
	k := Key{
		typ:       typ,
		shareable: shareable,
		data:      slices.Clone(data),
	}
	k.hash = k.computeHash()
	return k
}

func (k Key) computeHash() uint64 {
	d := xxhash.New()
	var word [4]byte
	header := uint32(k.typ) << 1
	if k.shareable {
		header |= 1
	}
	binary.LittleEndian.PutUint32(word[:], header)
	_, _ = d.Write(word[:])
	for _, v := range k.data {
		binary.LittleEndian.PutUint32(word[:], v)
		_, _ = d.Write(word[:])
	}
	return d.Sum64()
}

// IsValid reports whether the key was built with a real type.
func (k Key) IsValid() bool { return k.typ != InvalidType }

func (k Key) Type() Type { return k.typ }

func (k Key) Shareable() Shareable { return k.shareable }

func (k Key) Hash() uint64 { return k.hash }

// Data returns a copy of the descriptor words.
func (k Key) Data() []uint32 { return slices.Clone(k.data) }

// Equal compares type, shareability and descriptor words. Scratch and shared
// keys never match each other.
func (k Key) Equal(o Key) bool {
	return k.typ == o.typ && k.shareable == o.shareable && k.hash == o.hash && slices.Equal(k.data, o.data)
}

// bytes is the form fed to the cache's key filter.
func (k Key) bytes() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k.hash)
	return b[:]
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%016x", k.typ, k.hash)
}
