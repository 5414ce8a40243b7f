package link

import (
	"context"
	"sync"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/roomrelay/log2"
	"github.com/temoto/roomrelay/tele/mqtt"
)

type gomqttLink struct {
	mu  sync.Mutex
	opt Options
	c   *mqtt.Client
}

func (self *gomqttLink) Start(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.c != nil {
		return errors.AlreadyExistsf("mqtt client")
	}
	clog := self.opt.Log
	if !self.opt.LogDebug {
		clog = clog.Clone(log2.LInfo)
	}
	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      self.opt.Broker,
		TLS:            self.opt.TLS,
		NetworkTimeout: self.opt.NetworkTimeout,
		KeepaliveSec:   uint16(self.opt.Keepalive.Seconds()),
		ClientID:       self.opt.ClientID,
		Username:       self.opt.Username,
		Password:       self.opt.Password,
		Subscriptions:  []packet.Subscription{{Topic: self.opt.Topic, QOS: packet.QOS(self.opt.Qos)}},
		OnMessage:      self.onMessage,
		OnState:        self.onState,
		Log:            clog,
	})
	if err != nil {
		return errors.Annotate(err, "link gomqtt")
	}
	self.c = c
	return nil
}

func (self *gomqttLink) client() *mqtt.Client {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.c
}

func (self *gomqttLink) WaitConnected(ctx context.Context) error {
	c := self.client()
	if c == nil {
		return errors.NotValidf("link not started")
	}
	return c.WaitReady(ctx)
}

func (self *gomqttLink) Connected() bool {
	c := self.client()
	return c != nil && c.IsReady()
}

func (self *gomqttLink) Publish(ctx context.Context, topic string, payload []byte) error {
	c := self.client()
	if c == nil {
		return errors.NotValidf("link not started")
	}
	err := c.Publish(ctx, &packet.Message{
		Topic:   topic,
		Payload: payload,
		QOS:     packet.QOS(self.opt.Qos),
	})
	if err != nil {
		self.opt.event(Event{Kind: EventError, Topic: topic, Err: err})
		return errors.Annotate(err, "link publish")
	}
	self.opt.event(Event{Kind: EventPublished, Topic: topic})
	return nil
}

func (self *gomqttLink) Close() error {
	self.mu.Lock()
	c := self.c
	self.c = nil
	self.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (self *gomqttLink) onMessage(m *packet.Message) error {
	self.opt.OnMessage(m.Topic, m.Payload)
	return nil
}

func (self *gomqttLink) onState(s mqtt.State, err error) {
	switch s {
	case mqtt.StateConnected:
		self.opt.event(Event{Kind: EventConnected})
	case mqtt.StateSubscribed:
		self.opt.event(Event{Kind: EventSubscribed, Topic: self.opt.Topic})
	case mqtt.StateDisconnected:
		self.opt.event(Event{Kind: EventDisconnected, Err: err})
	}
}
