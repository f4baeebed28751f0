package serialization

import (
	"encoding/json"
	"io"
)

type jsonCodec struct {
	dec *json.Decoder
	enc *json.Encoder
}

func (j *jsonCodec) Decode(v any) error { return j.dec.Decode(v) }

func (j *jsonCodec) Encode(v any) error { return j.enc.Encode(v) }

// JSONDecoder reads JSON documents from r.
func JSONDecoder(r io.Reader) Decoder {
	return &jsonCodec{dec: json.NewDecoder(r)}
}

// JSONEncoder writes indented JSON documents to w.
func JSONEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return &jsonCodec{enc: enc}
}
