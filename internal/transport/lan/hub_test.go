package lan

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/pkg/protocol"
)

// newTestConns dials a throwaway WebSocket server n times and returns the
// server-side halves, which is what the hub normally registers.
func newTestConns(t *testing.T, n int) []*websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, n)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conns := make([]*websocket.Conn, 0, n)
	for i := 0; i < n; i++ {
		client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		select {
		case conn := <-serverConns:
			conns = append(conns, conn)
		case <-time.After(2 * time.Second):
			t.Fatal("server side of the connection never arrived")
		}
	}
	return conns
}

func TestBroadcastRacingDisconnect(t *testing.T) {
	h := NewHub("token", false, 64, time.Minute, logger.NewNop())
	conns := newTestConns(t, 4)

	var panicked atomic.Bool
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Churn: clients connecting and disconnecting as fast as possible.
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if c, ok := h.register(conn, true); ok {
					h.Unregister(c)
				}
			}
		}(conn)
	}

	// Broadcasters racing the churn. A send landing on a closing client
	// must drop, never panic.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicked.Store(true)
				}
			}()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h.Broadcast(protocol.EventHeartbeat, "", &protocol.HeartbeatPayload{})
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()

	if panicked.Load() {
		t.Fatal("broadcast panicked while clients were disconnecting")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := NewHub("token", false, 4, time.Minute, logger.NewNop())
	conns := newTestConns(t, 1)

	c, ok := h.register(conns[0], true)
	if !ok {
		t.Fatal("register failed")
	}
	h.Unregister(c)
	// Second removal races the first in production (read pump exit vs
	// broadcast prune); it must be a no-op.
	h.Unregister(c)

	select {
	case <-c.done:
	default:
		t.Error("done not closed after unregister")
	}
	if h.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", h.ClientCount())
	}
}

func TestRegisterEnforcesClientCap(t *testing.T) {
	h := NewHub("token", false, 2, time.Minute, logger.NewNop())
	conns := newTestConns(t, 3)

	for i := 0; i < 2; i++ {
		if _, ok := h.register(conns[i], true); !ok {
			t.Fatalf("register %d rejected below cap", i)
		}
	}
	if _, ok := h.register(conns[2], true); ok {
		t.Error("register beyond cap admitted")
	}
	if h.ClientCount() != 2 {
		t.Errorf("client count = %d, want 2", h.ClientCount())
	}
}
