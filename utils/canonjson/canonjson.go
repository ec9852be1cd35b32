// Package canonjson produces deterministic JSON encodings.
package canonjson

import (
	"bytes"
	"encoding/json"
)

// Marshal encodes v as compact JSON with object keys sorted at every depth.
// Values are round-tripped through a generic decode so that struct field
// order does not leak into the output. HTML characters are not escaped.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encode(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic interface{}
	if err = dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order
	return encode(generic)
}

func encode(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
