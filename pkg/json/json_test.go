package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Op    string     `json:"op"`
	Key   string     `json:"key"`
	Value RawMessage `json:"value,omitempty"`
}

func TestRawMessageKeepsNestedBytes(t *testing.T) {
	data, err := Marshal(frame{Op: "publish", Key: "tangled_windows", Value: RawMessage(`{"1":{"id":1}}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"op":"publish","key":"tangled_windows","value":{"1":{"id":1}}}`, string(data))

	var decoded frame
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, "publish", decoded.Op)
	assert.JSONEq(t, `{"1":{"id":1}}`, string(decoded.Value))

	assert.Error(t, Unmarshal([]byte(`{"op":`), &decoded))
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(frame{Op: "subscribe", Key: "k"}))
	require.NoError(t, NewEncoder(&buf).Encode(frame{Op: "incr", Key: "c"}))

	dec := NewDecoder(bytes.NewReader(buf.Bytes()))
	var a, b frame
	require.NoError(t, dec.Decode(&a))
	require.NoError(t, dec.Decode(&b))
	assert.Equal(t, "subscribe", a.Op)
	assert.Equal(t, "incr", b.Op)
	assert.Nil(t, a.Value)
}

func TestValidAndIndent(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":[1,2]}`)))
	assert.False(t, Valid([]byte(`{"a":`)))

	out, err := MarshalIndent(map[string]int{"a": 1}, "", "  ")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}", string(out))
}

func TestNilHandling(t *testing.T) {
	data, err := Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var result interface{}
	require.NoError(t, Unmarshal([]byte("null"), &result))
	assert.Nil(t, result)
}
