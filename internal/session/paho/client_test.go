package paho

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/log2"
)

type mockToken struct{ err error }

func (t mockToken) Wait() bool                     { return true }
func (t mockToken) WaitTimeout(time.Duration) bool { return true }
func (t mockToken) Error() error                   { return t.err }

type mockMsg struct {
	topic   string
	payload []byte
}

func (m mockMsg) Duplicate() bool   { return false }
func (m mockMsg) Qos() byte         { return 1 }
func (m mockMsg) Retained() bool    { return false }
func (m mockMsg) Topic() string     { return m.topic }
func (m mockMsg) MessageID() uint16 { return 1 }
func (m mockMsg) Payload() []byte   { return m.payload }
func (m mockMsg) Ack()              {}

type mqttMock struct {
	sync.Mutex
	opt          *mqtt.ClientOptions
	connected    bool
	connectErr   []error
	subscribeErr []error
	disconnects  int
	pub          chan mockMsg
	subs         map[string]mqtt.MessageHandler
}

func newMqttMock() *mqttMock {
	return &mqttMock{pub: make(chan mockMsg, 8), subs: make(map[string]mqtt.MessageHandler)}
}

func (m *mqttMock) install(t testing.TB) {
	prev := newMqttClient
	newMqttClient = func(o *mqtt.ClientOptions) mqtt.Client {
		m.opt = o
		return m
	}
	t.Cleanup(func() { newMqttClient = prev })
}

func (m *mqttMock) deliver(t testing.TB, topic string, payload []byte) {
	m.Lock()
	h, ok := m.subs[topic]
	m.Unlock()
	require.True(t, ok, "not subscribed topic=%s", topic)
	h(m, mockMsg{topic, payload})
}

func (m *mqttMock) IsConnected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}
func (m *mqttMock) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mqttMock) Disconnect(uint) {
	m.Lock()
	m.connected = false
	m.disconnects++
	m.Unlock()
}

func (m *mqttMock) Connect() mqtt.Token {
	m.Lock()
	if len(m.connectErr) != 0 {
		err := m.connectErr[0]
		m.connectErr = m.connectErr[1:]
		m.Unlock()
		return mockToken{err}
	}
	m.connected = true
	m.Unlock()
	go m.opt.OnConnect(m)
	return mockToken{}
}

func (m *mqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	m.pub <- mockMsg{topic, payload.([]byte)}
	return mockToken{}
}

func (m *mqttMock) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	m.Lock()
	defer m.Unlock()
	if len(m.subscribeErr) != 0 {
		err := m.subscribeErr[0]
		m.subscribeErr = m.subscribeErr[1:]
		return mockToken{err}
	}
	m.subs[topic] = handler
	return mockToken{}
}

func (m *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (m *mqttMock) Unsubscribe(...string) mqtt.Token     { panic("not implemented") }
func (m *mqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (m *mqttMock) OptionsReader() mqtt.ClientOptionsReader { panic("not implemented") }

func newTestClient(t testing.TB, events chan session.Event, msgs chan mockMsg) *Client {
	c, err := NewClient(session.TransportOptions{
		BrokerURL:      "tcp://127.0.0.1:1883",
		ClientID:       "dev1",
		NetworkTimeout: time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		Log:            log2.NewTest(t, log2.LDebug),
		OnEvent:        func(e session.Event) { events <- e },
		OnMessage:      func(topic string, payload []byte) { msgs <- mockMsg{topic, payload} },
	})
	require.NoError(t, err)
	return c
}

func waitState(t testing.TB, events <-chan session.Event, s session.State) session.Event {
	for {
		select {
		case e := <-events:
			if e.State == s {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting state=%s", s)
		}
	}
}

func TestClient(t *testing.T) {
	mock := newMqttMock()
	mock.install(t)
	events := make(chan session.Event, 32)
	msgs := make(chan mockMsg, 4)
	c := newTestClient(t, events, msgs)
	defer c.Close()
	assert.Equal(t, "dev1", mock.opt.ClientID)
	assert.True(t, mock.opt.CleanSession)

	require.NoError(t, c.Subscribe("dev1/settings", session.QOSAtLeastOnce))
	require.NoError(t, c.Start())
	assert.Error(t, c.Start())
	assert.Error(t, c.Subscribe("dev1/rpc", session.QOSAtLeastOnce))
	waitState(t, events, session.StateConnected)
	assert.True(t, c.IsConnected())

	mock.deliver(t, "dev1/settings", []byte{0xa0})
	m := <-msgs
	assert.Equal(t, "dev1/settings", m.topic)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Publish(ctx, "dev1/s/sensor/cbor", []byte{0xa1}, session.QOSAtLeastOnce, false))
	assert.Equal(t, mockMsg{"dev1/s/sensor/cbor", []byte{0xa1}}, <-mock.pub)

	mock.opt.OnConnectionLost(mock, errors.New("EOF"))
	e := waitState(t, events, session.StateDisconnected)
	assert.EqualError(t, e.Err, "EOF")
	assert.False(t, c.IsConnected())
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	assert.Equal(t, context.DeadlineExceeded, c.Publish(shortCtx, "dev1/s/sensor/cbor", []byte{0xa1}, session.QOSAtMostOnce, false))

	// paho auto reconnect
	mock.opt.OnConnect(mock)
	waitState(t, events, session.StateConnected)
}

func TestClientConnectRetry(t *testing.T) {
	mock := newMqttMock()
	mock.connectErr = []error{errors.New("connection refused")}
	mock.install(t)
	events := make(chan session.Event, 32)
	c := newTestClient(t, events, make(chan mockMsg, 1))
	defer c.Close()

	require.NoError(t, c.Start())
	e := waitState(t, events, session.StateDisconnected)
	assert.Contains(t, e.Err.Error(), "connection refused")
	waitState(t, events, session.StateConnected)
}

func TestClientResubscribeFailure(t *testing.T) {
	mock := newMqttMock()
	mock.subscribeErr = []error{errors.New("subscribe timeout")}
	mock.install(t)
	events := make(chan session.Event, 32)
	msgs := make(chan mockMsg, 4)
	c := newTestClient(t, events, msgs)
	defer c.Close()
	require.NoError(t, c.Subscribe("dev1/settings", session.QOSAtLeastOnce))

	require.NoError(t, c.Start())
	e := waitState(t, events, session.StateDisconnected)
	assert.Contains(t, e.Err.Error(), "subscribe timeout")
	// half-open session dropped and connected again
	waitState(t, events, session.StateConnected)
	assert.True(t, c.IsConnected())
	mock.Lock()
	assert.Equal(t, 1, mock.disconnects)
	mock.Unlock()

	mock.deliver(t, "dev1/settings", []byte{0xa0})
	assert.Equal(t, mockMsg{"dev1/settings", []byte{0xa0}}, <-msgs)
}

func TestNewClientValidate(t *testing.T) {
	_, err := NewClient(session.TransportOptions{BrokerURL: "tcp://127.0.0.1:1883"})
	assert.True(t, errors.IsNotValid(err))
	_, err = NewClient(session.TransportOptions{OnMessage: func(string, []byte) {}})
	assert.True(t, errors.IsNotValid(err))
}
