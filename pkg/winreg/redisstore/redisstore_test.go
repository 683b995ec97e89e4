package redisstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tangled/pkg/tester"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

func TestStoreContract(t *testing.T) {
	addr := tester.RedisAddr(t)
	tester.RunStoreSuite(t, func(t *testing.T) (winreg.Store, winreg.Store) {
		ns := "test-" + uuid.NewString()
		a := New(goredis.NewClient(&goredis.Options{Addr: addr}), WithNamespace(ns))
		b := New(goredis.NewClient(&goredis.Options{Addr: addr}), WithNamespace(ns))
		t.Cleanup(func() {
			_ = a.client.Close()
			_ = b.client.Close()
		})
		return a, b
	})
}

func TestMalformedEventsAreDropped(t *testing.T) {
	addr := tester.RedisAddr(t)
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	s := New(client, WithNamespace("test-"+uuid.NewString()))
	defer s.Close()

	got := make(chan []byte, 4)
	cancel, err := s.Subscribe("k", func(v []byte) { got <- v })
	require.NoError(t, err)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, s.keys.Events("k"), "not json").Err())
	require.NoError(t, client.Publish(ctx, s.keys.Events("k"), `{"writer":"someone","value":"e30="}`).Err())
	assert.Equal(t, "{}", string(<-got))
}

func TestWritersAreDistinct(t *testing.T) {
	a := New(nil)
	b := New(nil)
	assert.NotEqual(t, a.Writer(), b.Writer())
	assert.NotEmpty(t, a.Writer())
}
