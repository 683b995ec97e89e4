package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilder(t *testing.T) {
	kb := NewKeyBuilder("Tangled")
	assert.Equal(t, "tangled", kb.Namespace())
	assert.Equal(t, "tangled:tangled_windows", kb.Value("tangled_windows"))
	assert.Equal(t, "tangled:tangled_windows:events", kb.Events("tangled_windows"))

	bare := NewKeyBuilder("")
	assert.Equal(t, "k", bare.Value("k"))
	assert.Equal(t, "k:events", bare.Events("k"))
}

func TestConfigAddr(t *testing.T) {
	assert.Equal(t, "localhost:6379", Config{Host: "localhost", Port: "6379"}.Addr())
}
