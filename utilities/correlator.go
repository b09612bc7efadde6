package utilities

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Correlator tracks pending requests and matches responses.
//
// The client uses it to wait for the first relay acknowledgement of a
// published event: the event id is the correlation key, and the first
// successful OK from any relay resolves the request.
//
// Example:
//
//	acks := utilities.NewCorrelator[Ack](10 * time.Second)
//	result := <-acks.Send(event.ID, func() error { return pool.Publish(event) })
//	if result.Err != nil { ... }
type Correlator[Resp any] struct {
	pending map[string]*pendingRequest[Resp]
	mu      sync.Mutex
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

type pendingRequest[Resp any] struct {
	ch      chan Result[Resp]
	expires time.Time
}

// Result is returned by Send.
type Result[Resp any] struct {
	Response Resp
	Err      error // ErrTimeout if no response in time
}

// ErrTimeout is returned when a request times out.
var ErrTimeout = errors.New("request timed out")

// ErrDuplicateRequest is returned when the id is already pending.
var ErrDuplicateRequest = errors.New("request already pending")

// NewCorrelator creates a correlator with the given timeout.
func NewCorrelator[Resp any](timeout time.Duration) *Correlator[Resp] {
	c := &Correlator[Resp]{
		pending: make(map[string]*pendingRequest[Resp]),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// Send registers id as pending, runs emit, and returns a channel for the response.
//
// The request is registered before emit runs so a response that races the
// send is never lost.
func (c *Correlator[Resp]) Send(id string, emit func() error) <-chan Result[Resp] {
	ch := make(chan Result[Resp], 1)

	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		ch <- Result[Resp]{Err: ErrDuplicateRequest}
		return ch
	}
	c.pending[id] = &pendingRequest[Resp]{
		ch:      ch,
		expires: time.Now().Add(c.timeout),
	}
	c.mu.Unlock()

	if err := emit(); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		ch <- Result[Resp]{Err: err}
		return ch
	}

	return ch
}

// Receive resolves the pending request for id. It reports false when
// nothing was waiting, which is the case for every OK after the first.
func (c *Correlator[Resp]) Receive(id string, resp Resp) bool {
	c.mu.Lock()
	pending, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		logrus.Debugf("[correlator] no pending request for %s", id)
		return false
	}
	pending.ch <- Result[Resp]{Response: resp}
	return true
}

// Pending returns the number of unresolved requests.
func (c *Correlator[Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the reaper and fails every pending request with ErrTimeout.
func (c *Correlator[Resp]) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, req := range c.pending {
			req.ch <- Result[Resp]{Err: ErrTimeout}
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
}

// reapLoop runs in the background and cleans up timed-out requests.
func (c *Correlator[Resp]) reapLoop() {
	interval := time.Second
	if c.timeout < interval {
		interval = c.timeout / 2
		if interval <= 0 {
			interval = time.Millisecond
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		now := time.Now()
		for id, req := range c.pending {
			if now.After(req.expires) {
				req.ch <- Result[Resp]{Err: ErrTimeout}
				delete(c.pending, id)
			}
		}
		c.mu.Unlock()
	}
}
