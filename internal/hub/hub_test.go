package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// dialObserver spins up a server that joins every accepted connection into
// the room, dials it, and returns both ends.
func dialObserver(t *testing.T, h *Hub, room string) (*Client, *websocket.Conn) {
	t.Helper()

	joined := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := h.Join(room, conn)
		joined <- c
		c.Wait()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	select {
	case c := <-joined:
		return c, conn
	case <-ctx.Done():
		t.Fatal("observer never joined")
		return nil, nil
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return string(data)
}

func TestBroadcastReachesEveryObserver(t *testing.T) {
	t.Parallel()

	h := New()
	_, connA := dialObserver(t, h, "s1")
	_, connB := dialObserver(t, h, "s1")
	require.Equal(t, 2, h.ClientCount("s1"))

	h.Broadcast("s1", []byte(`{"type":"log"}`))

	require.Equal(t, `{"type":"log"}`, readMessage(t, connA))
	require.Equal(t, `{"type":"log"}`, readMessage(t, connB))
}

func TestBroadcastIsScopedToRoom(t *testing.T) {
	t.Parallel()

	h := New()
	_, connA := dialObserver(t, h, "s1")
	clientB, _ := dialObserver(t, h, "s2")

	h.Broadcast("s1", []byte("for s1"))
	require.Equal(t, "for s1", readMessage(t, connA))

	// The s2 client saw nothing: its queue is still empty.
	require.True(t, clientB.Send([]byte("probe")))
}

func TestLeaveRemovesObserver(t *testing.T) {
	t.Parallel()

	h := New()
	client, conn := dialObserver(t, h, "s1")
	require.Equal(t, 1, h.ClientCount("s1"))

	h.Leave("s1", client)
	require.Equal(t, 0, h.ClientCount("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
}

func TestCloseRoomDisconnectsObservers(t *testing.T) {
	t.Parallel()

	h := New()
	_, connA := dialObserver(t, h, "s1")
	_, connB := dialObserver(t, h, "s1")

	h.CloseRoom("s1")
	require.Equal(t, 0, h.ClientCount("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := connA.Read(ctx)
	require.Error(t, err)
	_, _, err = connB.Read(ctx)
	require.Error(t, err)
}

func TestSendAfterCloseReturnsFalse(t *testing.T) {
	t.Parallel()

	h := New()
	client, _ := dialObserver(t, h, "s1")

	client.Close(websocket.StatusNormalClosure, "done")
	require.False(t, client.Send([]byte("late")))
}
