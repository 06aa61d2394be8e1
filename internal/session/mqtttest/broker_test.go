package mqtttest

import (
	"context"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/session/mqtt"
	"github.com/temoto/sensord/internal/session/sessiontest"
	"github.com/temoto/sensord/log2"
)

const testTimeout = 10 * time.Second

type message struct {
	topic   string
	payload []byte
}

type tenv struct {
	broker *Broker
	creds  sessiontest.Credentials
	events chan session.Event
	msgs   chan message
}

func newEnv(t testing.TB) *tenv {
	log := log2.NewTest(t, log2.LDebug)
	creds := sessiontest.New(t, "dev1")
	return &tenv{
		broker: Start(t, Options{Log: log, TLS: creds.ServerTLS(t)}),
		creds:  creds,
		events: make(chan session.Event, 32),
		msgs:   make(chan message, 32),
	}
}

func (env *tenv) client(t testing.TB, clientID string) *mqtt.Client {
	tlsConfig, err := env.creds.Config(t).TLS("127.0.0.1")
	require.NoError(t, err)
	c, err := mqtt.NewClient(session.TransportOptions{
		BrokerURL:      env.broker.URL(),
		ClientID:       clientID,
		TLS:            tlsConfig,
		KeepaliveSec:   5,
		NetworkTimeout: 2 * time.Second,
		ReconnectDelay: 100 * time.Millisecond,
		Log:            log2.NewTest(t, log2.LDebug),
		OnEvent:        func(e session.Event) { env.events <- e },
		OnMessage:      func(topic string, payload []byte) { env.msgs <- message{topic, payload} },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (env *tenv) waitState(t testing.TB, s session.State) session.Event {
	for {
		select {
		case e := <-env.events:
			if e.State == s {
				return e
			}
		case <-time.After(testTimeout):
			t.Fatalf("timeout waiting state=%s", s)
		}
	}
}

func TestBroker(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	assert.Regexp(t, `^tls://127\.0\.0\.1:\d+$`, env.broker.URL())

	c := env.client(t, "dev1")
	require.NoError(t, c.Subscribe("dev1/settings", session.QOSAtLeastOnce))
	require.NoError(t, c.Start())
	env.waitState(t, session.StateConnected)
	assert.True(t, env.broker.Subscribed("dev1", "dev1/settings"))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// broker to device
	err := env.broker.Publish(ctx, &packet.Message{Topic: "dev1/settings", Payload: []byte{0xa0}, QOS: packet.QOSAtLeastOnce, Retain: true})
	require.NoError(t, err)
	select {
	case m := <-env.msgs:
		assert.Equal(t, "dev1/settings", m.topic)
		assert.Equal(t, []byte{0xa0}, m.payload)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting message")
	}
	require.NotNil(t, env.broker.Retained("dev1/settings"))
	assert.Nil(t, env.broker.Retained("dev1/other"))

	// device to broker
	require.NoError(t, c.Publish(ctx, "dev1/s/sensor/cbor", []byte{1, 2}, session.QOSAtLeastOnce, false))
	select {
	case m := <-env.broker.Received():
		assert.Equal(t, "dev1/s/sensor/cbor", m.Topic)
		assert.Equal(t, []byte{1, 2}, m.Payload)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting received")
	}

	assert.Equal(t, ErrNoSubscribers, env.broker.Publish(ctx, &packet.Message{Topic: "dev2/settings", Payload: []byte{1}}))
}

func TestBrokerKickReconnect(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	c := env.client(t, "dev1")
	require.NoError(t, c.Subscribe("dev1/rpc", session.QOSAtLeastOnce))
	require.NoError(t, c.Start())
	env.waitState(t, session.StateConnected)

	assert.True(t, env.broker.Kick("dev1"))
	assert.False(t, env.broker.Kick("nobody"))
	env.waitState(t, session.StateDisconnected)
	env.waitState(t, session.StateConnected)
	// subscriptions renewed on new connection
	assert.Eventually(t, func() bool { return env.broker.Subscribed("dev1", "dev1/rpc") }, testTimeout, 10*time.Millisecond)
}

func TestBrokerRejectsForeignClientID(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	c := env.client(t, "dev2")
	require.NoError(t, c.Start())
	e := env.waitState(t, session.StateDisconnected)
	assert.Error(t, e.Err)
	assert.False(t, c.IsConnected())
}

func TestAuthCertificateCN(t *testing.T) {
	t.Parallel()
	pkt := packet.NewConnect()
	pkt.ClientID = "dev1"
	assert.True(t, authCertificateCN(pkt, ""))
	assert.True(t, authCertificateCN(pkt, "dev1"))
	assert.False(t, authCertificateCN(pkt, "dev2"))
}
