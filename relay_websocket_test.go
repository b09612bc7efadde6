package agenda

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRelayServer speaks just enough of the relay protocol: every REQ gets
// the stored events then EOSE, every EVENT gets an OK.
type testRelayServer struct {
	*httptest.Server
	stored   []types.Event
	sessions atomic.Int32
	kick     chan struct{}
}

func newTestRelayServer(t *testing.T, stored ...types.Event) *testRelayServer {
	t.Helper()
	s := &testRelayServer{stored: stored, kick: make(chan struct{}, 1)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.sessions.Add(1)

		var writeMu sync.Mutex
		write := func(frame ...any) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(frame)
		}
		go func() {
			<-s.kick
			conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []json.RawMessage
			if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
				continue
			}
			var label string
			_ = json.Unmarshal(frame[0], &label)
			switch label {
			case "REQ":
				var id string
				_ = json.Unmarshal(frame[1], &id)
				for _, e := range s.stored {
					write("EVENT", id, e)
				}
				write("EOSE", id)
			case "EVENT":
				var e types.Event
				_ = json.Unmarshal(frame[1], &e)
				write("OK", e.ID, true, "")
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testRelayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

type messageLog struct {
	mu     sync.Mutex
	msgs   []types.RelayMessage
	states []ConnState
}

func (l *messageLog) handler() ConnectionHandler {
	return ConnectionHandler{
		OnMessage: func(_ RelayConnection, msg types.RelayMessage) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.msgs = append(l.msgs, msg)
		},
		OnStateChange: func(_ RelayConnection, state ConnState) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.states = append(l.states, state)
		},
	}
}

func (l *messageLog) labels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = m.Label()
	}
	return out
}

func (l *messageLog) connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.states {
		if s == StateConnected {
			n++
		}
	}
	return n
}

func TestWebsocketConnection_SubscribeAndPublish(t *testing.T) {
	alice := testKeys(t)
	stored := calendarEvent(t, alice, "d1", 1, tomorrow)
	server := newTestRelayServer(t, stored)

	conn := NewWebsocketConnection(server.wsURL(), utilities.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond})
	log := &messageLog{}
	conn.SetHandler(log.handler())

	assert.ErrorIs(t, conn.Subscribe("early", []types.Filter{anyFilter}), ErrNotConnected)

	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Subscribe("sub1", []types.Filter{anyFilter}))
	require.Eventually(t, func() bool { return len(log.labels()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"EVENT", "EOSE"}, log.labels())

	log.mu.Lock()
	em := log.msgs[0].(*types.EventMessage)
	log.mu.Unlock()
	assert.Equal(t, "sub1", em.SubscriptionID)
	assert.Equal(t, stored.ID, em.Event.ID)

	require.NoError(t, conn.Publish(stored))
	require.Eventually(t, func() bool { return len(log.labels()) == 3 }, 2*time.Second, 10*time.Millisecond)
	log.mu.Lock()
	ok := log.msgs[2].(*types.OKMessage)
	log.mu.Unlock()
	assert.True(t, ok.Success)
	assert.Equal(t, stored.ID, ok.EventID)
}

func TestWebsocketConnection_Reconnects(t *testing.T) {
	server := newTestRelayServer(t)
	conn := NewWebsocketConnection(server.wsURL(), utilities.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond})
	log := &messageLog{}
	conn.SetHandler(log.handler())

	require.NoError(t, conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return log.connects() == 1 }, 2*time.Second, 10*time.Millisecond)

	server.kick <- struct{}{}
	require.Eventually(t, func() bool { return log.connects() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), server.sessions.Load())

	require.NoError(t, conn.Close())
	assert.Equal(t, StateDisconnected, conn.State())
	assert.ErrorIs(t, conn.Connect(context.Background()), ErrConnectionClosed)
}
