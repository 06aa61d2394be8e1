package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensord/internal/metrics"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/session/sessiontest"
	"github.com/temoto/sensord/log2"
)

type published struct {
	topic   string
	payload []byte
	retain  bool
}

type fakeTransport struct {
	sync.Mutex
	opt        session.TransportOptions
	subs       []string
	started    bool
	connected  bool
	pub        chan published
	publishErr error
}

func (f *fakeTransport) Subscribe(topic string, qos session.QOS) error {
	f.Lock()
	defer f.Unlock()
	f.subs = append(f.subs, topic)
	return nil
}
func (f *fakeTransport) Start() error {
	f.Lock()
	f.started = true
	f.Unlock()
	return nil
}
func (f *fakeTransport) IsConnected() bool {
	f.Lock()
	defer f.Unlock()
	return f.connected
}
func (f *fakeTransport) Publish(ctx context.Context, topic string, payload []byte, qos session.QOS, retain bool) error {
	f.pub <- published{topic, payload, retain}
	f.Lock()
	defer f.Unlock()
	return f.publishErr
}
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) event(s session.State, err error) {
	f.Lock()
	f.connected = s == session.StateConnected
	f.Unlock()
	f.opt.OnEvent(session.Event{State: s, Err: err, At: time.Now()})
}

type fakeIndicator struct {
	sync.Mutex
	calls []bool
}

func (i *fakeIndicator) Set(on bool) error {
	i.Lock()
	i.calls = append(i.calls, on)
	i.Unlock()
	return nil
}

func newTestManager(t testing.TB, ind Indicator) (*Manager, *fakeTransport) {
	ft := &fakeTransport{pub: make(chan published, 8)}
	m, err := Create(sessiontest.New(t, "dev1").Config(t), Options{
		Log:       log2.NewTest(t, log2.LDebug),
		Metrics:   metrics.New(),
		BrokerURL: "tls://broker.example:8883",
		ClientID:  "dev1",
		Indicator: ind,
		Transport: func(opt session.TransportOptions) (session.Transport, error) {
			ft.opt = opt
			return ft, nil
		},
	})
	require.NoError(t, err)
	return m, ft
}

func TestCreate(t *testing.T) {
	t.Parallel()
	m, ft := newTestManager(t, nil)
	assert.Equal(t, "broker.example", ft.opt.TLS.ServerName)
	assert.Equal(t, "dev1", m.Prefix())
	assert.Equal(t, session.StateIdle, m.State())

	_, err := Create(session.Config{}, Options{ClientID: "dev1"})
	assert.Equal(t, session.ErrIncomplete, errors.Cause(err))
	_, err = Create(sessiontest.New(t, "dev1").Config(t), Options{})
	assert.True(t, errors.IsNotValid(err))
}

func TestEventCallback(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.RegisterEventCallback(func(session.Event) {}))
	err := m.RegisterEventCallback(func(session.Event) {})
	assert.True(t, errors.IsAlreadyExists(err))
	assert.Error(t, m.RegisterEventCallback(nil))
}

func TestFirstConnectLatch(t *testing.T) {
	t.Parallel()
	ind := &fakeIndicator{}
	m, ft := newTestManager(t, ind)
	var events []session.State
	require.NoError(t, m.RegisterEventCallback(func(e session.Event) { events = append(events, e.State) }))
	observed := 0
	m.Subscribe(func(session.Event) { observed++ })
	require.NoError(t, m.Start())
	assert.True(t, ft.started)
	assert.False(t, m.Latch().Released())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, m.WaitConnected(ctx))

	ft.event(session.StateConnecting, nil)
	ft.event(session.StateConnected, nil)
	assert.True(t, m.IsConnected())
	require.NoError(t, m.WaitConnected(context.Background()))

	// drop and reconnect: latch stays released, indicator untouched
	ft.event(session.StateDisconnected, errors.New("EOF"))
	assert.False(t, m.IsConnected())
	require.NoError(t, m.WaitConnected(context.Background()))
	ft.event(session.StateConnecting, nil)
	ft.event(session.StateConnected, nil)

	assert.Equal(t, []bool{true}, ind.calls)
	assert.Equal(t, []session.State{
		session.StateConnecting, session.StateConnected, session.StateDisconnected,
		session.StateConnecting, session.StateConnected,
	}, events)
	assert.Equal(t, 5, observed)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.Connects))
}

func TestObserve(t *testing.T) {
	t.Parallel()
	m, ft := newTestManager(t, nil)
	var got []byte
	require.NoError(t, m.Observe(PathSettings, func(b []byte) { got = b }))
	require.NoError(t, m.Observe(PathSettings, func(b []byte) { got = append([]byte{0}, b...) }))
	assert.Equal(t, []string{"dev1/settings"}, ft.subs)

	ft.opt.OnMessage("dev1/settings", []byte{1})
	assert.Equal(t, []byte{0, 1}, got)
	ft.opt.OnMessage("dev1/unknown", []byte{2})
	assert.Equal(t, []byte{0, 1}, got)

	require.NoError(t, m.Start())
	assert.Error(t, m.Observe(PathRPC, func([]byte) {}))
}

type countService struct {
	name  string
	count int
	err   error
}

func (s *countService) Name() string { return s.name }
func (s *countService) Register(m Registrar) error {
	s.count++
	if s.err != nil {
		return s.err
	}
	return m.Observe(s.name, func([]byte) {})
}

func TestRegisterService(t *testing.T) {
	t.Parallel()
	m, ft := newTestManager(t, nil)
	svc := &countService{name: "rpc"}
	require.NoError(t, m.RegisterService(svc))
	require.NoError(t, m.RegisterService(svc))
	assert.Equal(t, 1, svc.count)
	assert.Equal(t, []string{"dev1/rpc"}, ft.subs)

	bad := &countService{name: "bad", err: errors.New("broken")}
	assert.Error(t, m.RegisterService(bad))
	bad.err = nil
	require.NoError(t, m.RegisterService(bad))
	assert.Equal(t, 2, bad.count)
}

func TestPublishAsync(t *testing.T) {
	t.Parallel()
	m, ft := newTestManager(t, nil)
	require.NoError(t, m.Start())

	err := m.PublishAsync("sensor", ContentTypeCBOR, []byte{0xa1}, nil)
	assert.Equal(t, ErrNotConnected, errors.Cause(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.PublishErrors.WithLabelValues(metrics.StageSubmit)))

	ft.event(session.StateConnected, nil)
	payload := []byte{0xa1, 0x01}
	done := make(chan error, 1)
	require.NoError(t, m.PublishAsync("sensor", ContentTypeCBOR, payload, func(err error) { done <- err }))
	payload[1] = 0xff // caller buffer reuse must not affect submitted copy
	p := <-ft.pub
	assert.Equal(t, "dev1/s/sensor/cbor", p.topic)
	require.NoError(t, <-done)
	assert.Equal(t, []byte{0xa1, 0x01}, p.payload)

	ft.Lock()
	ft.publishErr = errors.New("broker said no")
	ft.Unlock()
	require.NoError(t, m.ReplyAsync(PathStateReported, []byte{0xa0}, true, func(err error) { done <- err }))
	p = <-ft.pub
	assert.Equal(t, published{"dev1/state/reported", []byte{0xa0}, true}, p)
	assert.Error(t, <-done)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.PublishErrors.WithLabelValues(metrics.StageDelivery)))

	require.NoError(t, m.Close())
	err = m.PublishAsync("sensor", ContentTypeCBOR, payload, nil)
	assert.Equal(t, ErrStopped, errors.Cause(err))
}

func TestTopic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "dev1/rpc/status", Topic("dev1", PathRPCStatus))
	assert.Equal(t, "dev1/s/sensor/cbor", StreamTopic("dev1", "/sensor/", ContentTypeCBOR))
}
