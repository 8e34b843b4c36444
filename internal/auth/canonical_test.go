package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestCanonicalizeKeyOrderInsensitive(t *testing.T) {
	a, err := Canonicalize(parse(t, `{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Canonicalize(parse(t, `{"a":1,"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalizeIdempotent(t *testing.T) {
	first, err := Canonicalize(parse(t, `{"z":{"y":1,"x":[3,2,1]},"a":"v"}`))
	require.NoError(t, err)

	second, err := Canonicalize(parse(t, string(first)))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestCanonicalizeNestedKeysSorted(t *testing.T) {
	out, err := Canonicalize(parse(t, `{"outer":{"b":1,"a":2}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":2,"b":1}}`, string(out))
}

func TestCanonicalizePreservesArrayOrder(t *testing.T) {
	out, err := Canonicalize(parse(t, `{"list":[3,1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"list":[3,1,2]}`, string(out))
}

func TestCanonicalizeNoHTMLEscaping(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"msg": "a <b> & c"})
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"a <b> & c"}`, string(out))
}

func TestCanonicalizeNoTrailingNewline(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "\n")
}
