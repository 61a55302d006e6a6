package wire

import "github.com/go-faster/errors"

// Codec serializes method and signal payloads. Both ends of a connection must
// be configured with the same codec; the envelope does not carry a codec tag.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = &BinaryCodec{}

// CodecByName resolves a codec from its configuration name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "binary":
		return &BinaryCodec{}, nil
	case "json":
		return &JSONCodec{}, nil
	default:
		return nil, errors.Errorf("wire: unknown codec %q", name)
	}
}
