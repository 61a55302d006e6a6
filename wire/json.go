package wire

import "encoding/json"

// JSONCodec trades compactness for debuggability: payloads are readable in
// packet dumps and reachable from scripting tools. Both ends must opt in.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string { return "json" }
