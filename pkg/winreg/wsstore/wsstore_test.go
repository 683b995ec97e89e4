package wsstore_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tangled/internal/server"
	"github.com/nmxmxh/tangled/pkg/tester"
	"github.com/nmxmxh/tangled/pkg/winreg"
	"github.com/nmxmxh/tangled/pkg/winreg/memstore"
	"github.com/nmxmxh/tangled/pkg/winreg/wsstore"
)

func startHub(t *testing.T) (*server.Hub, string) {
	t.Helper()
	backing := memstore.NewHub()
	hub := server.NewHub(func() (winreg.Store, error) { return backing.Join(), nil })
	ts := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *wsstore.Store {
	t.Helper()
	s, err := wsstore.Dial(context.Background(), url,
		wsstore.WithReconnect(10*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	tester.RunStoreSuite(t, func(t *testing.T) (winreg.Store, winreg.Store) {
		_, url := startHub(t)
		return dial(t, url), dial(t, url)
	})
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := wsstore.Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	ctx := context.Background()
	hub, url := startHub(t)
	a, b := dial(t, url), dial(t, url)
	defer a.Close()
	defer b.Close()

	got := make(chan string, 8)
	cancel, err := b.Subscribe("k", func(v []byte) { got <- string(v) })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Publish(ctx, "k", []byte("during")))
	hub.Close()

	require.Eventually(t, func() bool {
		return a.Connected() && b.Connected() && hub.Clients() == 2
	}, tester.NotifyTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return a.Publish(ctx, "k", []byte("after")) == nil
	}, tester.NotifyTimeout, 10*time.Millisecond)

	deadline := time.After(tester.NotifyTimeout)
	for {
		select {
		case v := <-got:
			if v == "after" {
				return
			}
		case <-deadline:
			t.Fatal("subscription not restored after reconnect")
		}
	}
}

func TestCallsFailWhileDisconnected(t *testing.T) {
	backing := memstore.NewHub()
	hub := server.NewHub(func() (winreg.Store, error) { return backing.Join(), nil })
	ts := httptest.NewServer(hub)
	s := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	defer s.Close()

	hub.Close()
	ts.Close()
	require.Eventually(t, func() bool { return !s.Connected() }, tester.NotifyTimeout, 10*time.Millisecond)

	_, err := s.Load(context.Background(), "k")
	assert.ErrorIs(t, err, wsstore.ErrDisconnected)
}

type meta struct {
	Particles int `json:"particles"`
}

func TestManagersOverHub(t *testing.T) {
	ctx := context.Background()
	_, url := startHub(t)
	sa, sb := dial(t, url), dial(t, url)
	defer sa.Close()
	defer sb.Close()

	shape := func(x float64) winreg.ShapeFunc {
		return func() winreg.Shape { return winreg.Shape{X: x, W: 20, H: 20} }
	}
	ma := winreg.New[meta](sa, shape(0))
	mb := winreg.New[meta](sb, shape(300))

	_, err := ma.Init(ctx, meta{Particles: 1})
	require.NoError(t, err)
	idB, err := mb.Init(ctx, meta{Particles: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		others := ma.OtherWindows()
		return len(others) == 1 && others[0].ID == idB && others[0].Center == winreg.Point{X: 310, Y: 10}
	}, tester.NotifyTimeout, 10*time.Millisecond)

	require.NoError(t, mb.Close(ctx))
	require.Eventually(t, func() bool { return len(ma.OtherWindows()) == 0 }, tester.NotifyTimeout, 10*time.Millisecond)
	require.NoError(t, ma.Close(ctx))
}
