package serialization

import (
	"encoding/gob"
	"io"
)

type gobCodec struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func (g *gobCodec) Decode(v any) error { return g.dec.Decode(v) }

func (g *gobCodec) Encode(v any) error { return g.enc.Encode(v) }

// GobDecoder reads a gob stream from r.
func GobDecoder(r io.Reader) Decoder {
	return &gobCodec{dec: gob.NewDecoder(r)}
}

// GobEncoder writes a gob stream to w. Reuse one encoder per stream.
func GobEncoder(w io.Writer) Encoder {
	return &gobCodec{enc: gob.NewEncoder(w)}
}
