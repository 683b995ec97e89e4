package redis

import "strings"

// DefaultNamespace prefixes every key tangled writes.
const DefaultNamespace = "tangled"

// KeyBuilder maps registry keys onto Redis keys and pub/sub channels.
type KeyBuilder struct {
	namespace string
}

// NewKeyBuilder creates a KeyBuilder for namespace. An empty namespace
// leaves keys untouched.
func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{namespace: strings.ToLower(namespace)}
}

// Value returns the Redis key holding key's value.
func (kb *KeyBuilder) Value(key string) string {
	if kb.namespace == "" {
		return key
	}
	return kb.namespace + ":" + key
}

// Events returns the channel that carries change notifications for key.
func (kb *KeyBuilder) Events(key string) string {
	return kb.Value(key) + ":events"
}

// Namespace returns the namespace.
func (kb *KeyBuilder) Namespace() string {
	return kb.namespace
}
