package agenda

import (
	"context"
	"sync"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
	dialTimeout  = 15 * time.Second
)

// WebsocketConnection is a RelayConnection over a websocket. It reconnects
// on its own with exponential backoff until closed.
type WebsocketConnection struct {
	url     string
	dialer  *websocket.Dialer
	backoff utilities.Backoff

	handler ConnectionHandler
	state   ConnState
	outbox  chan []byte

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
	mu      sync.RWMutex
}

// NewWebsocketConnection creates an idle connection to url.
func NewWebsocketConnection(url string, backoff utilities.Backoff) *WebsocketConnection {
	return &WebsocketConnection{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
		backoff: backoff,
		outbox:  make(chan []byte, outboxSize),
		done:    make(chan struct{}),
	}
}

func (c *WebsocketConnection) URL() string { return c.url }

func (c *WebsocketConnection) SetHandler(h ConnectionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *WebsocketConnection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect starts the background session. Calling it again is a no-op.
func (c *WebsocketConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Close ends the session and waits for its goroutines to exit.
func (c *WebsocketConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if started {
		<-c.done
	}
	return nil
}

func (c *WebsocketConnection) Subscribe(id string, filters []types.Filter) error {
	frame, err := types.ReqFrame(id, filters)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *WebsocketConnection) Unsubscribe(id string) error {
	frame, err := types.CloseFrame(id)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *WebsocketConnection) Publish(e types.Event) error {
	frame, err := types.EventFrame(e)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *WebsocketConnection) send(frame []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (c *WebsocketConnection) setState(state ConnState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	handler := c.handler
	c.mu.Unlock()

	logrus.Debugf("🔌 %s %s", c.url, state)
	if handler.OnStateChange != nil {
		handler.OnStateChange(c, state)
	}
}

func (c *WebsocketConnection) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			attempt = 0
			c.session(ctx, conn)
		} else if ctx.Err() == nil {
			logrus.Debugf("🔌 dial %s failed: %v", c.url, err)
		}
		c.setState(StateDisconnected)
		c.drainOutbox()

		if ctx.Err() != nil {
			return
		}
		delay := c.backoff.Delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session pumps one websocket until it fails or ctx is done.
func (c *WebsocketConnection) session(ctx context.Context, conn *websocket.Conn) {
	logrus.Infof("🔌 connected to %s", c.url)
	sessionDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for {
			select {
			case <-sessionDone:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case frame := <-c.outbox:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					logrus.Debugf("🔌 write to %s failed: %v", c.url, err)
					conn.Close()
					return
				}
			}
		}
	}()

	c.setState(StateConnected)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logrus.Infof("🔌 lost %s: %v", c.url, err)
			}
			break
		}
		msg, err := types.ParseRelayMessage(data)
		if err != nil {
			logrus.Debugf("🔌 %s sent something odd: %v", c.url, err)
			continue
		}
		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler.OnMessage != nil {
			handler.OnMessage(c, msg)
		}
	}

	close(sessionDone)
	<-writerDone
	conn.Close()
}

func (c *WebsocketConnection) drainOutbox() {
	for {
		select {
		case <-c.outbox:
		default:
			return
		}
	}
}
