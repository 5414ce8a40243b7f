package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roomrelay/helpers"
	"github.com/temoto/roomrelay/helpers/atomic_clock"
	"github.com/temoto/roomrelay/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 1 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

const readyPoll = 100 * time.Millisecond

type State uint8

const (
	StateDisconnected State = iota
	StateConnected
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type ClientOptions struct {
	BrokerURL         string
	TLS               *tls.Config
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	NetworkTimeout    time.Duration
	KeepaliveSec      uint16
	ClientID          string
	Username          string
	Password          string
	Subscriptions     []packet.Subscription
	// OnMessage runs in session reader goroutine, must not block.
	OnMessage func(*packet.Message) error
	// OnState is optional, called from session goroutines.
	OnState func(State, error)
	Log     *log2.Log
}

// Client is a sensor subscriber.
// - NewClient() returns only configuration errors, network IO is done in background
// - clean session, SUBSCRIBE right after every CONNACK
// - unlimited reconnect until Close(), exponential delay reset by successful subscribe
// - QOS 0,1 both ways, QOS 2 publish from broker drops the session
// - one Publish in flight
type Client struct {
	mu      sync.Mutex
	alive   *alive.Alive
	backoff helpers.Backoff
	current *session
	lastID  uint32
	opt     ClientOptions
	connect *packet.Connect
	dialer  *transport.Dialer

	publishMu sync.Mutex // serializes Publish calls
	inflight  struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if len(opt.Subscriptions) == 0 {
		return nil, errors.NotValidf("mqtt subscriptions empty")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.ReconnectDelayMax < opt.ReconnectDelay {
		opt.ReconnectDelayMax = opt.ReconnectDelay * 30
	}
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
		backoff: helpers.Backoff{
			Min: opt.ReconnectDelay,
			Max: opt.ReconnectDelayMax,
			K:   2,
		},
		connect: packet.NewConnect(),
		dialer: transport.NewDialer(transport.DialConfig{
			TLSConfig: opt.TLS,
			Timeout:   opt.NetworkTimeout,
		}),
	}
	c.connect.ClientID = defaultString(opt.ClientID, opt.Username)
	c.connect.KeepAlive = opt.KeepaliveSec
	c.connect.CleanSession = true
	c.connect.Username = opt.Username
	c.connect.Password = opt.Password

	c.alive.Add(1)
	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	err := c.Disconnect()
	c.alive.Stop()
	c.alive.Wait()
	if err == client.ErrClientNotConnected {
		err = nil
	}
	return err
}

// Disconnect sends DISCONNECT and drops current session.
// Worker will reconnect unless client is closing.
func (c *Client) Disconnect() error {
	err := client.ErrClientNotConnected
	if s := c.session(false); s != nil {
		err = s.send(packet.NewDisconnect())
		_ = s.die(ErrClientClosing)
	}
	return err
}

// IsReady returns true when connected and subscribed, without waiting.
func (c *Client) IsReady() bool {
	return c.session(false).ready()
}

func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("QOS ExactlyOnce")
	}
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS == packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}
	fu := future.New()
	c.inflight.Lock()
	c.inflight.fu, c.inflight.id = fu, publish.ID
	c.inflight.Unlock()
	defer func() {
		c.inflight.Lock()
		c.inflight.fu = nil
		c.inflight.Unlock()
	}()

	if err := c.send(publish); err != nil {
		return errors.Annotate(err, "send PUBLISH")
	}
	if msg.QOS == packet.QOSAtMostOnce {
		return nil
	}

	switch err := fu.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil
	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok {
			return e
		}
		return ErrClientClosing
	default:
		err = errors.Timeoutf("PUBACK id=%d", publish.ID)
		fu.Cancel(err)
		return c.drop(err)
	}
}

// WaitReady blocks until subscribed (nil), ctx done (context.Canceled) or Close (ErrClientClosing).
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		if c.session(false).waitReady(ctx) == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Canceled
		}
		// no session or it died, worker makes next one
		select {
		case <-time.After(readyPoll):
		case <-donech:
			return context.Canceled
		case <-stopch:
			return ErrClientClosing
		}
	}
}

func (c *Client) session(create bool) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		c.current = c.newSession()
	}
	return c.current
}

func (c *Client) drop(err error) error {
	if s := c.session(false); s != nil {
		_ = s.die(err)
	}
	return err
}

func (c *Client) nextID() packet.ID {
	id := packet.ID(atomic.AddUint32(&c.lastID, 1) % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (c *Client) send(pkt packet.Generic) error {
	if s := c.session(false); s != nil {
		return s.send(pkt)
	}
	return client.ErrClientNotConnected
}

func (c *Client) onPublish(publish *packet.Publish) {
	m := &publish.Message
	switch m.QOS {
	case packet.QOSAtMostOnce:
		if err := c.opt.OnMessage(m); err != nil {
			c.opt.Log.Errorf("onMessage %s err=%v", MessageString(m), err)
			_ = c.drop(err)
		}

	case packet.QOSAtLeastOnce:
		if err := c.opt.OnMessage(m); err != nil {
			c.opt.Log.Errorf("onMessage %s err=%v", MessageString(m), err)
			_ = c.drop(err)
			return
		}
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := c.send(puback); err != nil {
			_ = c.drop(err)
		}

	default:
		_ = c.drop(errors.NotSupportedf("received QOS %d", m.QOS))
	}
}

func (c *Client) onPuback(id packet.ID) {
	c.inflight.Lock()
	fu, expect := c.inflight.fu, c.inflight.id
	c.inflight.Unlock()
	switch {
	case fu == nil:
		c.opt.Log.Errorf("unexpected PUBACK id=%d", id)
	case expect != id:
		// one publish in flight, other id means broker is confused
		_ = c.drop(errors.Errorf("PUBACK id=%d expected=%d", id, expect))
	default:
		fu.Complete(id)
	}
}

func (c *Client) cancelInflight(err error) {
	c.inflight.Lock()
	fu := c.inflight.fu
	c.inflight.Unlock()
	if fu != nil {
		fu.Cancel(err)
	}
}

// Keeps one session alive, reconnects with backoff.
func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		s := c.session(true)
		if s == nil {
			return
		}
		select {
		case <-s.alive.WaitChan():
		case <-stopch:
			_ = s.die(ErrClientClosing)
			return
		}

		subscribed, _ := s.subscribed.Result().(bool)
		delay := c.backoff.DelayAfter(subscribed)
		c.opt.Log.Debugf("reconnect delay=%v", delay)
		select {
		case <-time.After(delay):
		case <-stopch:
			return
		}
	}
}

// session is one broker connection: CONNECT, SUBSCRIBE, pings, reader.
// Fields are set once in newSession, except conn which appears after Dial.
type session struct {
	alive      *alive.Alive
	client     *Client
	closed     uint32
	conn       atomic.Value // transport.Conn
	connected  *future.Future
	subscribed *future.Future
	subscribe  *packet.Subscribe
	lastOut    *atomic_clock.Clock // last outgoing packet
	lastPong   *atomic_clock.Clock
	opt        *ClientOptions
}

// Caller must hold c.mu.
func (c *Client) newSession() *session {
	s := &session{
		alive:      alive.NewAlive(),
		client:     c,
		connected:  future.New(),
		subscribed: future.New(),
		subscribe:  &packet.Subscribe{ID: c.nextID(), Subscriptions: c.opt.Subscriptions},
		lastOut:    atomic_clock.New(),
		lastPong:   atomic_clock.New(),
		opt:        &c.opt,
	}
	s.alive.Add(1)
	go s.run()
	return s
}

func (s *session) state(st State, err error) {
	if s.opt.OnState != nil {
		s.opt.OnState(st, err)
	}
}

func (s *session) ready() bool {
	if s == nil || !s.alive.IsRunning() {
		return false
	}
	connected, _ := s.connected.Result().(bool)
	subscribed, _ := s.subscribed.Result().(bool)
	return connected && subscribed
}

func (s *session) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return e
	}
	s.alive.Stop()
	s.connected.Cancel(e)
	s.subscribed.Cancel(e)
	s.client.cancelInflight(e)
	if conn := s.getConn(); conn != nil {
		_ = conn.Close()
	}
	s.state(StateDisconnected, e)
	return e
}

func (s *session) getConn() transport.Conn {
	if x := s.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, CONNECT, wait CONNACK, then start pinger, reader and subscribe
func (s *session) run() {
	defer s.alive.Done()

	conn, err := s.client.dialer.Dial(s.opt.BrokerURL)
	if err != nil {
		_ = s.die(errors.Annotatef(err, "dial broker=%s", s.opt.BrokerURL))
		return
	}
	s.conn.Store(conn)
	if err = s.send(s.client.connect); err != nil {
		return
	}

	conn.SetReadTimeout(s.opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		_ = s.die(errors.Annotate(err, "expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = s.die(errors.Annotatef(client.ErrClientExpectedConnack, "broker sent %s", PacketString(pkt)))
		return
	}
	s.opt.Log.Debugf("CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = s.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}
	s.connected.Complete(true)
	s.state(StateConnected, nil)
	conn.SetReadTimeout(0)

	if !s.alive.Add(3) {
		_ = s.die(context.Canceled)
		return
	}
	s.lastPong.SetNow()
	go s.pinger()
	go s.reader()
	go s.subscriber()
}

func (s *session) onSuback(suback *packet.Suback) {
	if suback.ID != s.subscribe.ID {
		_ = s.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK.id=%d", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = s.die(client.ErrFailedSubscription)
			return
		}
	}
	s.subscribed.Complete(true)
	s.state(StateSubscribed, nil)
}

// Sends PINGREQ when nothing was sent for a while, drops session without PINGRESP.
func (s *session) pinger() {
	defer s.alive.Done()
	if s.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] broker drops client silent for 1.5 keepalive
	keepalive := keepaliveAndHalf(s.opt.KeepaliveSec)
	// ping late, leave NetworkTimeout for delivery
	interval := keepalive - s.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := s.alive.StopChan()
	for s.alive.IsRunning() {
		now := atomic_clock.Now()
		idle := now.Sub(s.lastOut)
		sincePong := now.Sub(s.lastPong)

		if idle > 0 && idle < interval {
			select {
			case <-time.After(interval - idle):
				continue
			case <-stopch:
				return
			}
		} else if idle >= interval {
			if err := s.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = s.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (s *session) reader() {
	defer s.alive.Done()

	conn := s.getConn()
	for {
		pkt, err := conn.Receive()
		if !s.alive.IsRunning() {
			return
		}
		switch err {
		case nil:
		case io.EOF:
			_ = s.die(errors.New("broker closed connection"))
			return
		default:
			_ = s.die(errors.Annotate(err, "receive"))
			return
		}
		s.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Publish:
			s.client.onPublish(pt)
		case *packet.Puback:
			s.client.onPuback(pt.ID)
		case *packet.Suback:
			s.onSuback(pt)
		case *packet.Pingresp:
			s.lastPong.SetNow()
		case *packet.Connack:
			_ = s.die(errors.Errorf("broker sent duplicate CONNACK"))
			return
		default:
			s.opt.Log.Debugf("ignore packet %s", PacketString(pkt))
		}
	}
}

func (s *session) send(p packet.Generic) error {
	if s == nil {
		return client.ErrClientNotConnected
	}
	conn := s.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return s.die(errors.Annotatef(err, "send %s", p.Type().String()))
	}
	s.lastOut.SetNow()
	s.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

func (s *session) subscriber() {
	defer s.alive.Done()
	if err := s.send(s.subscribe); err != nil {
		return
	}
	if s.subscribed.Wait(s.opt.NetworkTimeout) == future.ErrTimeout {
		_ = s.die(errors.Timeoutf("SUBACK"))
	}
}

// ErrClientClosing means this session is gone, caller may wait for the next one.
func (s *session) waitReady(ctx context.Context) error {
	if s == nil {
		return ErrClientClosing
	}
	poll := readyPoll
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout <= 0 {
			poll = 1
		} else if timeout < poll {
			poll = timeout
		}
	}

	donech := ctx.Done()
	for {
		if !s.alive.IsRunning() {
			return ErrClientClosing
		}
		_ = s.subscribed.Wait(poll)
		if s.ready() {
			return nil
		}
		select {
		case <-time.After(poll):
		case <-donech:
			return context.Canceled
		}
	}
}
