package auth

import (
	"bytes"
	"encoding/json"
)

// Canonicalize produces the stable JSON form used as HMAC input: object keys
// sorted, no inter-token whitespace, no HTML escaping. encoding/json already
// sorts map keys, so canonicalizing a parsed body is key-order-insensitive
// and idempotent.
func Canonicalize(payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
