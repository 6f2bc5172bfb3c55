package serialization

import (
	"fmt"
	"io"
)

const (

	// JSONType represents the serialization type for JSON format.
	JSONType = "json"

	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder and Encoder are the interface for serialization.
type Decoder interface {
	Decode(v any) error
}

// Encoder and Decoder are the interface for serialization.
type Encoder interface {
	Encode(v any) error
}

// Codec pairs the encoder and decoder constructors of one serialization type.
type Codec struct {
	Type    string
	Encoder func(io.Writer) Encoder
	Decoder func(io.Reader) Decoder
}

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSONType:
		return Codec{Type: JSONType, Encoder: JsonEncoder, Decoder: JsonDecoder}, nil
	case GobType:
		return Codec{Type: GobType, Encoder: GobEncoder, Decoder: GobDecoder}, nil
	default:
		return Codec{}, fmt.Errorf("unsupported serialization type: %s", name)
	}
}
