// Package link connects relay to MQTT broker.
//
// Link contract:
// - Start fails only with invalid options, network errors are handled in background
// - subscribe to configured topic after every (re)connect
// - incoming messages are passed to MessageFunc from transport goroutine, it must not block
// - connection events are logged, data path never depends on them
package link

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/roomrelay/config"
	"github.com/temoto/roomrelay/log2"
)

type MessageFunc func(topic string, payload []byte)

type Linker interface {
	Start(ctx context.Context) error
	WaitConnected(ctx context.Context) error
	Connected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventConnected
	EventDisconnected
	EventSubscribed
	EventPublished
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSubscribed:
		return "subscribed"
	case EventPublished:
		return "published"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

type Event struct {
	Kind  EventKind
	Topic string
	Err   error
}

func (e Event) String() string {
	s := "mqtt " + e.Kind.String()
	if e.Topic != "" {
		s += " topic=" + e.Topic
	}
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}

type Options struct { //nolint:maligned
	Broker         string
	Topic          string
	Qos            byte
	ClientID       string
	Username       string
	Password       string
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	TLS            *tls.Config
	OnMessage      MessageFunc
	// OnEvent is optional, default logs event.
	OnEvent  func(Event)
	Log      *log2.Log
	LogDebug bool
}

func (opt *Options) validate() error {
	if opt.OnMessage == nil {
		return errors.NotValidf("code error link.Options.OnMessage=nil")
	}
	if opt.Broker == "" {
		return errors.NotValidf("mqtt broker empty")
	}
	if opt.Topic == "" {
		opt.Topic = config.DefaultTopic
	}
	if opt.Qos > 1 {
		return errors.NotValidf("mqtt qos=%d", opt.Qos)
	}
	if opt.ClientID == "" {
		opt.ClientID = DefaultClientID()
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = 30 * time.Second
	}
	if opt.Keepalive == 0 {
		opt.Keepalive = 60 * time.Second
	}
	return nil
}

func (opt *Options) event(e Event) {
	if opt.OnEvent != nil {
		opt.OnEvent(e)
		return
	}
	switch e.Kind {
	case EventError:
		opt.Log.Error(e.String())
	case EventDisconnected:
		opt.Log.Warning(e.String())
	case EventPublished:
		opt.Log.Debug(e.String())
	default:
		opt.Log.Info(e.String())
	}
}

func DefaultClientID() string { return "roomrelay-" + uuid.New().String() }

// OptionsFromConfig also loads TLS files.
func OptionsFromConfig(c *config.MqttConfig, onMessage MessageFunc, log *log2.Log) (Options, error) {
	opt := Options{
		Broker:         c.Broker,
		Topic:          c.TopicName(),
		Qos:            byte(c.QosLevel()),
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		Keepalive:      c.Keepalive(),
		NetworkTimeout: c.NetworkTimeout(),
		OnMessage:      onMessage,
		Log:            log,
		LogDebug:       c.LogDebug,
	}
	if c.TlsCaFile != "" || c.TlsCertFile != "" {
		tc, err := LoadTLS(c.TlsCaFile, c.TlsCertFile, c.TlsKeyFile)
		if err != nil {
			return opt, err
		}
		opt.TLS = tc
	}
	return opt, opt.validate()
}

// LoadTLS builds client TLS config. Empty caFile uses system roots.
// certFile and keyFile enable mutual authentication.
func LoadTLS(caFile, certFile, keyFile string) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.Annotatef(err, "mqtt tls ca file=%s", caFile)
		}
		tc.RootCAs = x509.NewCertPool()
		if !tc.RootCAs.AppendCertsFromPEM(pem) {
			return nil, errors.NotValidf("mqtt tls ca file=%s no certificates", caFile)
		}
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Annotatef(err, "mqtt tls client cert=%s key=%s", certFile, keyFile)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func New(transport string, opt Options) (Linker, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	switch transport {
	case "", config.TransportGomqtt:
		return &gomqttLink{opt: opt}, nil
	case config.TransportPaho:
		return &pahoLink{opt: opt}, nil
	}
	return nil, errors.NotValidf("mqtt transport=%s", transport)
}

// WaitConnected blocks until link is connected and subscribed or timeout.
// cmd/roomrelay treats failure as fatal.
func WaitConnected(l Linker, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.WaitConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return errors.Timeoutf("mqtt connect within %v", timeout)
		}
		return err
	}
	return nil
}
