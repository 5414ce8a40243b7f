package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roomrelay/log2"
)

type stateEvent struct {
	s   State
	err error
}

func TestClient(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		opts     ClientOptions
		messages chan *packet.Message
		states   chan stateEvent
		done     chan struct{}
	}
	cases := []struct {
		name   string
		client func(t testing.TB, env *tenv, mc *Client)
		server func(t testing.TB, env *tenv, b transport.Conn)
	}{
		{"subscribe-receive", func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
			assert.True(t, mc.IsReady())
			assert.Equal(t, StateConnected, (<-env.states).s)
			assert.Equal(t, StateSubscribed, (<-env.states).s)

			select {
			case m := <-env.messages:
				assert.Equal(t, "/room_meas", m.Topic)
				assert.Equal(t, `{"temperature":2345}`, string(m.Payload))
			case <-time.After(timeout):
				t.Fatal("message not delivered")
			}
		}, func(t testing.TB, env *tenv, b transport.Conn) {
			pkt, err := b.Receive()
			require.NoError(t, err)
			connect, ok := pkt.(*packet.Connect)
			require.True(t, ok, "expected CONNECT, got %s", PacketString(pkt))
			assert.Equal(t, "roomrelay-test", connect.ClientID)
			assert.True(t, connect.CleanSession)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			require.NoError(t, b.Send(connack, false))

			pkt, err = b.Receive()
			require.NoError(t, err)
			subscribe, ok := pkt.(*packet.Subscribe)
			require.True(t, ok, "expected SUBSCRIBE, got %s", PacketString(pkt))
			require.Len(t, subscribe.Subscriptions, 1)
			assert.Equal(t, "/room_meas", subscribe.Subscriptions[0].Topic)
			suback := packet.NewSuback()
			suback.ID = subscribe.ID
			suback.ReturnCodes = []packet.QOS{packet.QOSAtLeastOnce}
			require.NoError(t, b.Send(suback, false))

			publish := packet.NewPublish()
			publish.ID = 7
			publish.Message = packet.Message{
				Topic:   "/room_meas",
				Payload: []byte(`{"temperature":2345}`),
				QOS:     packet.QOSAtLeastOnce,
			}
			require.NoError(t, b.Send(publish, false))

			pkt, err = b.Receive()
			require.NoError(t, err)
			puback, ok := pkt.(*packet.Puback)
			require.True(t, ok, "expected PUBACK, got %s", PacketString(pkt))
			assert.Equal(t, packet.ID(7), puback.ID)
		}},
		{"publish-puback", func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			err := mc.Publish(ctx, &packet.Message{Topic: "/room_meas", QOS: packet.QOSExactlyOnce})
			assert.True(t, errors.IsNotSupported(err), "err=%v", err)
			for i := 1; i <= 2; i++ {
				require.NoError(t, mc.Publish(ctx, &packet.Message{
					Topic:   "/room_meas",
					Payload: []byte(fmt.Sprintf(`{"temperature":%d}`, i)),
					QOS:     packet.QOSAtLeastOnce,
				}))
			}
		}, func(t testing.TB, env *tenv, b transport.Conn) {
			_, err := b.Receive()
			require.NoError(t, err)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			require.NoError(t, b.Send(connack, false))

			pkt, err := b.Receive()
			require.NoError(t, err)
			subscribe := pkt.(*packet.Subscribe)
			suback := packet.NewSuback()
			suback.ID = subscribe.ID
			suback.ReturnCodes = []packet.QOS{packet.QOSAtLeastOnce}
			require.NoError(t, b.Send(suback, false))

			for i := 1; i <= 2; i++ {
				pkt, err = b.Receive()
				require.NoError(t, err)
				publish, ok := pkt.(*packet.Publish)
				require.True(t, ok, "expected PUBLISH, got %s", PacketString(pkt))
				assert.Equal(t, fmt.Sprintf(`{"temperature":%d}`, i), string(publish.Message.Payload))
				assert.NotEqual(t, packet.ID(0), publish.ID)
				puback := packet.NewPuback()
				puback.ID = publish.ID
				require.NoError(t, b.Send(puback, false))
			}
		}},
		{"connection-denied", func(t testing.TB, env *tenv, mc *Client) {
			select {
			case ev := <-env.states:
				assert.Equal(t, StateDisconnected, ev.s)
				require.Error(t, ev.err)
				assert.Contains(t, ev.err.Error(), "denied")
			case <-time.After(timeout):
				t.Fatal("state not reported")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			assert.Equal(t, context.Canceled, mc.WaitReady(ctx))
			assert.False(t, mc.IsReady())
		}, func(t testing.TB, env *tenv, b transport.Conn) {
			_, err := b.Receive()
			require.NoError(t, err)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.NotAuthorized
			require.NoError(t, b.Send(connack, false))
		}},
		{"subscribe-rejected", func(t testing.TB, env *tenv, mc *Client) {
			assert.Equal(t, StateConnected, (<-env.states).s)
			select {
			case ev := <-env.states:
				assert.Equal(t, StateDisconnected, ev.s)
				assert.Error(t, ev.err)
			case <-time.After(timeout):
				t.Fatal("state not reported")
			}
			assert.False(t, mc.IsReady())
		}, func(t testing.TB, env *tenv, b transport.Conn) {
			_, err := b.Receive()
			require.NoError(t, err)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			require.NoError(t, b.Send(connack, false))

			pkt, err := b.Receive()
			require.NoError(t, err)
			subscribe := pkt.(*packet.Subscribe)
			suback := packet.NewSuback()
			suback.ID = subscribe.ID
			suback.ReturnCodes = []packet.QOS{packet.QOSFailure}
			require.NoError(t, b.Send(suback, false))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				messages: make(chan *packet.Message, 1),
				states:   make(chan stateEvent, 16),
				done:     make(chan struct{}),
			}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			defer ln.Close()
			env.opts.BrokerURL = fmt.Sprintf("tcp://%s", ln.Addr().String())
			env.opts.ClientID = "roomrelay-test"
			env.opts.Subscriptions = []packet.Subscription{{Topic: "/room_meas", QOS: packet.QOSAtLeastOnce}}
			env.opts.OnMessage = func(m *packet.Message) error {
				env.messages <- m
				return nil
			}
			env.opts.OnState = func(s State, err error) { env.states <- stateEvent{s, err} }
			env.opts.Log = log2.NewStderr(log2.LDebug)
			env.opts.NetworkTimeout = timeout
			// one connection per case
			env.opts.ReconnectDelay = time.Minute

			served := make(chan struct{})
			go func() {
				defer close(served)
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(timeout))
				b := transport.NewNetConn(conn)
				c.server(t, env, b)
				<-env.done
			}()

			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			c.client(t, env, mc)
			assert.NoError(t, mc.Close())
			close(env.done)
			<-served
		})
	}
}

func TestNewClientValidate(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientOptions{BrokerURL: "tcp://127.0.0.1:1"})
	assert.Error(t, err)
	_, err = NewClient(ClientOptions{
		BrokerURL:     "not a url",
		OnMessage:     func(*packet.Message) error { return nil },
		Subscriptions: []packet.Subscription{{Topic: "/room_meas"}},
	})
	assert.Error(t, err)
	_, err = NewClient(ClientOptions{
		BrokerURL: "tcp://127.0.0.1:1",
		OnMessage: func(*packet.Message) error { return nil },
	})
	assert.True(t, errors.IsNotValid(err), "empty subscriptions err=%v", err)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
