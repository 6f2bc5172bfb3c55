package serialization

import (
	"encoding/gob"
	"encoding/json"
	"io"
)

// stream adapts the standard library's streaming codecs to Encoder and Decoder.
type stream struct {
	decode func(any) error
	encode func(any) error
}

func (s stream) Decode(v any) error { return s.decode(v) }

func (s stream) Encode(v any) error { return s.encode(v) }

// JsonDecoder reads JSON values from r.
func JsonDecoder(r io.Reader) Decoder {
	return stream{decode: json.NewDecoder(r).Decode}
}

// JsonEncoder writes newline-terminated JSON values to w.
func JsonEncoder(w io.Writer) Encoder {
	return stream{encode: json.NewEncoder(w).Encode}
}

// GobDecoder reads gob values from r. The stream must start with the type
// description written by a GobEncoder.
func GobDecoder(r io.Reader) Decoder {
	return stream{decode: gob.NewDecoder(r).Decode}
}

func GobEncoder(w io.Writer) Encoder {
	return stream{encode: gob.NewEncoder(w).Encode}
}
