// Package serialization encodes snapshots such as cache stats for export.
package serialization

import (
	"errors"
	"fmt"
	"io"
)

const (
	// JSONType writes one indented JSON document per value.
	JSONType = "json"
	// GobType writes a gob stream; the type is sent once per encoder.
	GobType = "gob"
)

var ErrUnknownType = errors.New("serialization: unknown type")

// Decoder reads values from a stream.
type Decoder interface {
	Decode(v any) error
}

// Encoder writes values to a stream.
type Encoder interface {
	Encode(v any) error
}

type (
	EncoderFunc func(io.Writer) Encoder
	DecoderFunc func(io.Reader) Decoder
)

// Lookup returns the encoder and decoder constructors registered for typ.
func Lookup(typ string) (EncoderFunc, DecoderFunc, error) {
	switch typ {
	case JSONType:
		return JSONEncoder, JSONDecoder, nil
	case GobType:
		return GobEncoder, GobDecoder, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}
