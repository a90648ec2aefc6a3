package cache

import (
	"bytes"
	"encoding/gob"

	json "github.com/goccy/go-json"
)

// Serializer converts cache values to and from bytes. Encode/Decode must be
// round-trip identical for every JSON-compatible value.
type Serializer interface {
	Name() string
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSONSerializer is the default. It is safe for untrusted data and
// interoperable with other consumers of the same cache.
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return "json" }

func (JSONSerializer) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, newSerializationError("encode", "value is not JSON-serializable", err)
	}
	return data, nil
}

func (JSONSerializer) Decode(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, newSerializationError("decode", "malformed JSON payload", err)
	}
	return value, nil
}

// GobSerializer is the binary alternative. It supports a wider range of Go
// values than JSON but its payloads are opaque to non-Go readers and must not
// be decoded from untrusted sources. Backends require an explicit opt-in
// (AllowGobSerializer) before accepting it.
type GobSerializer struct{}

func (GobSerializer) Name() string { return "gob" }

func (GobSerializer) Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	wrapper := gobValue{Value: value}
	if err := gob.NewEncoder(&buf).Encode(&wrapper); err != nil {
		return nil, newSerializationError("encode", "value is not gob-serializable", err)
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Decode(data []byte) (any, error) {
	var wrapper gobValue
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wrapper); err != nil {
		return nil, newSerializationError("decode", "malformed gob payload", err)
	}
	return wrapper.Value, nil
}

// gobValue lets gob carry interface-typed values.
type gobValue struct {
	Value any
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
}
