package agenda

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eljojo/agenda/types"
	"github.com/sirupsen/logrus"
)

// Publisher sends one message to the broker.
type Publisher func(topic string, retained bool, payload []byte) error

// ChangeFeed mirrors store changes onto an MQTT broker so other programs
// (home automation, dashboards) can react to the agenda.
//
// Upserts go out retained under <prefix>/<kind>/<pubkey>[/<identifier>].
// Removals clear the retained message with an empty payload.
//
// Store listeners run on the ingestion path, so changes are queued and a
// background goroutine talks to the broker. When the queue is full the
// change is dropped with a warning.
type ChangeFeed struct {
	prefix  string
	publish Publisher
	client  mqtt.Client

	queue    chan feedMessage
	sent     atomic.Int64 // changes the broker accepted
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type feedMessage struct {
	topic   string
	payload []byte // nil clears the retained message
}

type changeMessage struct {
	Type       string      `json:"type"`
	Coordinate string      `json:"coordinate"`
	Event      types.Event `json:"event"`
	Start      int64       `json:"start,omitempty"`
	End        int64       `json:"end,omitempty"`
	Title      string      `json:"title,omitempty"`
	Status     string      `json:"status,omitempty"`
}

const (
	feedPublishTimeout = 5 * time.Second
	feedQueueSize      = 256
)

// NewChangeFeed builds a feed backed by a paho client. Call Connect before attaching.
func NewChangeFeed(cfg MQTTConfig, clientID string) *ChangeFeed {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		logrus.Infof("📣 change feed connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logrus.Warnf("📣 change feed lost connection: %v", err)
	}
	client := mqtt.NewClient(opts)

	feed := newChangeFeed(cfg.TopicPrefix, func(topic string, retained bool, payload []byte) error {
		token := client.Publish(topic, 1, retained, payload)
		if !token.WaitTimeout(feedPublishTimeout) {
			return errors.New("publish timed out")
		}
		return token.Error()
	}, feedQueueSize)
	feed.client = client
	return feed
}

func newChangeFeed(prefix string, publish Publisher, queueSize int) *ChangeFeed {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "agenda"
	}
	f := &ChangeFeed{
		prefix:  prefix,
		publish: publish,
		queue:   make(chan feedMessage, queueSize),
		done:    make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// run publishes queued changes in order until Close.
func (f *ChangeFeed) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case msg := <-f.queue:
			if f.publish == nil {
				continue
			}
			if err := f.publish(msg.topic, true, msg.payload); err != nil {
				logrus.Debugf("📣 publish %s failed: %v", msg.topic, err)
				continue
			}
			f.sent.Add(1)
		}
	}
}

// Connect dials the broker.
func (f *ChangeFeed) Connect() error {
	if f.client == nil {
		return nil
	}
	token := f.client.Connect()
	if !token.WaitTimeout(feedPublishTimeout) {
		return errors.New("mqtt connect timed out")
	}
	return token.Error()
}

// Attach subscribes the feed to every change of store.
func (f *ChangeFeed) Attach(store *EventStore) {
	store.AddListener(f.handle)
}

// Close stops publishing and disconnects from the broker. Changes still
// queued are dropped.
func (f *ChangeFeed) Close() {
	f.stopOnce.Do(func() { close(f.done) })
	f.wg.Wait()
	if f.client != nil && f.client.IsConnected() {
		f.client.Disconnect(250)
	}
}

// Topic is where changes for coord are published.
func (f *ChangeFeed) Topic(coord types.Coordinate) string {
	parts := []string{f.prefix, coord.Kind.Name(), coord.PubKey}
	if coord.Identifier != "" {
		parts = append(parts, topicSafe(coord.Identifier))
	}
	return strings.Join(parts, "/")
}

// topicSafe strips the characters MQTT gives meaning to.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

func (f *ChangeFeed) handle(change Change) {
	msg := feedMessage{topic: f.Topic(change.Coordinate)}
	if change.Type != ChangeRemoved {
		payload, err := json.Marshal(messageFor(change))
		if err != nil {
			logrus.Warnf("📣 encode %s: %v", change.Coordinate, err)
			return
		}
		msg.payload = payload
	}

	select {
	case f.queue <- msg:
	default:
		logrus.Warnf("📣 change feed queue full, dropping %s %s", change.Type, change.Coordinate)
	}
}

func messageFor(change Change) changeMessage {
	msg := changeMessage{
		Type:       change.Type.String(),
		Coordinate: change.Coordinate.String(),
		Event:      change.Entity.Raw(),
	}
	switch e := change.Entity.(type) {
	case *types.CalendarEvent:
		msg.Title = e.Title
		msg.Start = e.Start.Unix()
		if e.HasEnd() {
			msg.End = e.End.Unix()
		}
	case *types.CalendarList:
		msg.Title = e.Title
	case *types.RSVP:
		msg.Status = string(e.Status)
	}
	return msg
}
