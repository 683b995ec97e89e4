package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tangled/pkg/tester"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

func TestStoreContract(t *testing.T) {
	tester.RunStoreSuite(t, func(t *testing.T) (winreg.Store, winreg.Store) {
		hub := NewHub()
		return hub.Join(), hub.Join()
	})
}

func TestFailWrites(t *testing.T) {
	hub := NewHub()
	s := hub.Join()
	boom := errors.New("quota exceeded")

	hub.FailWrites(boom)
	assert.ErrorIs(t, s.Publish(context.Background(), "k", []byte("1")), boom)
	assert.ErrorIs(t, s.Delete(context.Background(), "k"), boom)

	hub.FailWrites(nil)
	require.NoError(t, s.Publish(context.Background(), "k", []byte("1")))
}

func TestSetNotifiesEveryone(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	var got []byte
	_, err := a.Subscribe("k", func(v []byte) { got = v })
	require.NoError(t, err)

	hub.Set("k", []byte("garbage"))
	assert.Equal(t, "garbage", string(got))
}

func TestCloseKeepsOtherParticipants(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	calls := 0
	_, err := b.Subscribe("k", func([]byte) { calls++ })
	require.NoError(t, err)
	_, err = a.Subscribe("k", func([]byte) { t.Fatal("closed participant notified") })
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	hub.Set("k", []byte("v"))
	assert.Equal(t, 1, calls)

	_, err = a.Subscribe("k", func([]byte) {})
	assert.ErrorIs(t, err, winreg.ErrClosed)
}
