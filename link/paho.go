package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

var pahoLogOnce sync.Once

type pahoLink struct {
	mu        sync.Mutex
	opt       Options
	m         mqtt.Client
	connected uint32
	ready     chan struct{} // closed and replaced on subscribe/disconnect
}

func (self *pahoLink) Start(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.m != nil {
		return errors.AlreadyExistsf("mqtt client")
	}
	// paho loggers are package globals, first link wins
	pahoLogOnce.Do(func() {
		log := self.opt.Log
		mqtt.ERROR = log
		mqtt.CRITICAL = log
		mqtt.WARN = log
		if self.opt.LogDebug {
			mqtt.DEBUG = log
		}
	})

	self.ready = make(chan struct{})
	mopt := mqtt.NewClientOptions().
		AddBroker(self.opt.Broker).
		SetClientID(self.opt.ClientID).
		SetUsername(self.opt.Username).
		SetPassword(self.opt.Password).
		SetCleanSession(true).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(self.opt.Keepalive).
		SetPingTimeout(self.opt.NetworkTimeout).
		SetConnectTimeout(self.opt.NetworkTimeout).
		SetWriteTimeout(self.opt.NetworkTimeout).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if self.opt.TLS != nil {
		mopt.SetTLSConfig(self.opt.TLS)
	}
	self.m = mqtt.NewClient(mopt)
	// with ConnectRetry, token completes only after first successful connect
	self.m.Connect()
	return nil
}

func (self *pahoLink) client() (mqtt.Client, <-chan struct{}) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.m, self.ready
}

func (self *pahoLink) WaitConnected(ctx context.Context) error {
	for {
		m, ready := self.client()
		if m == nil {
			return errors.NotValidf("link not started")
		}
		if self.Connected() {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return context.Canceled
		}
	}
}

func (self *pahoLink) Connected() bool { return atomic.LoadUint32(&self.connected) == 1 }

func (self *pahoLink) Publish(ctx context.Context, topic string, payload []byte) error {
	m, _ := self.client()
	if m == nil {
		return errors.NotValidf("link not started")
	}
	token := m.Publish(topic, self.opt.Qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return context.Canceled
	}
	if err := token.Error(); err != nil {
		self.opt.event(Event{Kind: EventError, Topic: topic, Err: err})
		return errors.Annotate(err, "link publish")
	}
	self.opt.event(Event{Kind: EventPublished, Topic: topic})
	return nil
}

func (self *pahoLink) Close() error {
	self.mu.Lock()
	m := self.m
	self.m = nil
	self.mu.Unlock()
	if m == nil {
		return nil
	}
	m.Disconnect(uint(self.opt.NetworkTimeout / time.Millisecond))
	self.setConnected(false)
	return nil
}

func (self *pahoLink) setConnected(on bool) {
	var v uint32
	if on {
		v = 1
	}
	if atomic.SwapUint32(&self.connected, v) == v {
		return
	}
	self.mu.Lock()
	close(self.ready)
	self.ready = make(chan struct{})
	self.mu.Unlock()
}

func (self *pahoLink) messageHandler(c mqtt.Client, msg mqtt.Message) {
	self.opt.OnMessage(msg.Topic(), msg.Payload())
}

func (self *pahoLink) connectLostHandler(c mqtt.Client, err error) {
	self.setConnected(false)
	self.opt.event(Event{Kind: EventDisconnected, Err: err})
}

func (self *pahoLink) onConnectHandler(c mqtt.Client) {
	self.opt.event(Event{Kind: EventConnected})
	// handler runs in own goroutine, blocking wait is allowed
	token := c.Subscribe(self.opt.Topic, self.opt.Qos, nil)
	if !token.WaitTimeout(self.opt.NetworkTimeout) {
		self.opt.event(Event{Kind: EventError, Topic: self.opt.Topic, Err: errors.Timeoutf("subscribe")})
		return
	}
	if err := token.Error(); err != nil {
		self.opt.event(Event{Kind: EventError, Topic: self.opt.Topic, Err: err})
		return
	}
	self.setConnected(true)
	self.opt.event(Event{Kind: EventSubscribed, Topic: self.opt.Topic})
}
