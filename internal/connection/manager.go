// Package connection owns cloud session transport handle.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/sensord/helpers/msync"
	"github.com/temoto/sensord/internal/metrics"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/session/mqtt"
	"github.com/temoto/sensord/log2"
)

const DefaultPublishTimeout = 30 * time.Second

var (
	ErrNotConnected = errors.New("not connected")
	ErrStopped      = errors.New("connection manager stopped")
)

// Handler receives message payload for observed path.
// Called from transport goroutine, must not block on publish completion.
type Handler func(payload []byte)

// Registrar is the part of Manager visible to services.
type Registrar interface {
	Prefix() string
	Observe(path string, h Handler) error
	ReplyAsync(path string, payload []byte, retain bool, done func(error)) error
	Subscribe(fn session.EventFunc)
}

// Service is dependent feature registered on connection (settings, rpc, firmware update).
type Service interface {
	Name() string
	Register(Registrar) error
}

var _ Registrar = (*Manager)(nil)

type Indicator interface {
	Set(on bool) error
}

type Options struct {
	Log            *log2.Log
	Metrics        *metrics.Metrics
	BrokerURL      string
	ClientID       string
	KeepaliveSec   uint16
	NetworkTimeout time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
	// nil selects gomqtt backend
	Transport session.TransportFunc
	Indicator Indicator
}

func GomqttTransport(opt session.TransportOptions) (session.Transport, error) {
	return mqtt.NewClient(opt)
}

// Manager contract:
// - Create() fails only with invalid configuration
// - Observe, RegisterService before Start
// - exactly one external event callback
// - first Connected releases latch and turns indicator on, once per process
type Manager struct {
	sync.Mutex
	alive     *alive.Alive
	log       *log2.Log
	metrics   *metrics.Metrics
	opt       Options
	prefix    string
	transport session.Transport

	callback  session.EventFunc
	observers []session.EventFunc
	handlers  map[string]Handler // by topic
	services  map[string]struct{}
	started   bool

	latch   *msync.Latch
	state   uint32 // session.State
	changed atomic_clock.Clock
}

func Create(cfg session.Config, opt Options) (*Manager, error) {
	if !cfg.IsValid() {
		return nil, errors.Annotate(session.ErrIncomplete, "connection create")
	}
	if opt.ClientID == "" {
		return nil, errors.NotValidf("config error session client_id empty")
	}
	u, err := url.Parse(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error session broker=%s", opt.BrokerURL)
	}
	tlsConfig, err := cfg.TLS(u.Hostname())
	if err != nil {
		return nil, errors.Annotate(err, "connection create")
	}
	if opt.Transport == nil {
		opt.Transport = GomqttTransport
	}
	if opt.PublishTimeout == 0 {
		opt.PublishTimeout = DefaultPublishTimeout
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.New()
	}
	m := &Manager{
		alive:    alive.NewAlive(),
		log:      opt.Log,
		metrics:  opt.Metrics,
		opt:      opt,
		prefix:   opt.ClientID,
		handlers: make(map[string]Handler),
		services: make(map[string]struct{}),
		latch:    msync.NewLatch(),
	}
	m.changed.SetNow()
	m.transport, err = opt.Transport(session.TransportOptions{
		BrokerURL:      opt.BrokerURL,
		ClientID:       opt.ClientID,
		TLS:            tlsConfig,
		KeepaliveSec:   opt.KeepaliveSec,
		NetworkTimeout: opt.NetworkTimeout,
		ReconnectDelay: opt.ReconnectDelay,
		Log:            opt.Log.Module("mqtt"),
		OnEvent:        m.onEvent,
		OnMessage:      m.onMessage,
	})
	if err != nil {
		return nil, errors.Annotate(err, "connection transport")
	}
	return m, nil
}

func (m *Manager) Prefix() string { return m.prefix }

// RegisterEventCallback sets the single external connection event callback.
func (m *Manager) RegisterEventCallback(fn session.EventFunc) error {
	if fn == nil {
		return errors.NotValidf("event callback nil")
	}
	m.Lock()
	defer m.Unlock()
	if m.callback != nil {
		return errors.AlreadyExistsf("event callback")
	}
	m.callback = fn
	return nil
}

// Subscribe adds event observer, called after the callback.
func (m *Manager) Subscribe(fn session.EventFunc) {
	m.Lock()
	m.observers = append(m.observers, fn)
	m.Unlock()
}

// Observe routes incoming messages on `<prefix>/<path>` to handler.
func (m *Manager) Observe(path string, h Handler) error {
	topic := Topic(m.prefix, path)
	m.Lock()
	defer m.Unlock()
	if m.started {
		return errors.Errorf("code error Observe path=%s after Start", path)
	}
	if _, ok := m.handlers[topic]; ok {
		m.handlers[topic] = h
		return nil
	}
	if err := m.transport.Subscribe(topic, session.QOSAtLeastOnce); err != nil {
		return errors.Annotatef(err, "observe path=%s", path)
	}
	m.handlers[topic] = h
	return nil
}

// RegisterService is idempotent by service name.
func (m *Manager) RegisterService(svc Service) error {
	name := svc.Name()
	m.Lock()
	_, exists := m.services[name]
	m.services[name] = struct{}{}
	m.Unlock()
	if exists {
		return nil
	}
	if err := svc.Register(m); err != nil {
		m.Lock()
		delete(m.services, name)
		m.Unlock()
		return errors.Annotatef(err, "register service=%s", name)
	}
	m.log.Debugf("service registered name=%s", name)
	return nil
}

func (m *Manager) Start() error {
	m.Lock()
	m.started = true
	m.Unlock()
	return errors.Annotate(m.transport.Start(), "connection start")
}

func (m *Manager) State() session.State { return session.State(atomic.LoadUint32(&m.state)) }
func (m *Manager) IsConnected() bool     { return m.State() == session.StateConnected }

// WaitConnected blocks until first Connected or ctx done.
// Returns immediately after first connect, regardless of current state.
func (m *Manager) WaitConnected(ctx context.Context) error { return m.latch.Wait(ctx) }

func (m *Manager) Latch() *msync.Latch { return m.latch }

func (m *Manager) Close() error {
	m.alive.Stop()
	err := m.transport.Close()
	m.alive.Wait()
	return err
}

// PublishAsync submits payload to stream `<prefix>/s/<path>/<ct>`.
// Returns error only for submission failure. done is called with delivery result.
func (m *Manager) PublishAsync(path string, ct ContentType, payload []byte, done func(error)) error {
	return m.publishAsync(StreamTopic(m.prefix, path, ct), payload, false, done)
}

// ReplyAsync submits payload to `<prefix>/<path>`.
func (m *Manager) ReplyAsync(path string, payload []byte, retain bool, done func(error)) error {
	return m.publishAsync(Topic(m.prefix, path), payload, retain, done)
}

func (m *Manager) publishAsync(topic string, payload []byte, retain bool, done func(error)) error {
	if !m.IsConnected() {
		m.metrics.PublishErrors.WithLabelValues(metrics.StageSubmit).Inc()
		return errors.Annotatef(ErrNotConnected, "publish topic=%s", topic)
	}
	if !m.alive.Add(1) {
		m.metrics.PublishErrors.WithLabelValues(metrics.StageSubmit).Inc()
		return errors.Annotatef(ErrStopped, "publish topic=%s", topic)
	}
	b := make([]byte, len(payload))
	copy(b, payload)
	go func() {
		defer m.alive.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opt.PublishTimeout)
		defer cancel()
		err := m.transport.Publish(ctx, topic, b, session.QOSAtLeastOnce, retain)
		if err != nil {
			m.metrics.PublishErrors.WithLabelValues(metrics.StageDelivery).Inc()
			err = errors.Annotatef(err, "publish topic=%s", topic)
		} else {
			m.metrics.Published.Inc()
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Runs on transport goroutine. Only signals and toggles output.
func (m *Manager) onEvent(e session.Event) {
	prev := session.State(atomic.SwapUint32(&m.state, uint32(e.State)))
	since := atomic_clock.Since(&m.changed)
	m.changed.SetNow()
	m.metrics.ConnectionState.Set(float64(e.State))
	switch e.State {
	case session.StateConnected:
		m.metrics.Connects.Inc()
		m.log.Infof("connected after %s in %s", prev, since.Truncate(time.Millisecond))
		if m.latch.Release() && m.opt.Indicator != nil {
			if err := m.opt.Indicator.Set(true); err != nil {
				m.log.Errorf("connection indicator err=%v", err)
			}
		}
	case session.StateDisconnected:
		m.log.Infof("disconnected err=%v", e.Err)
	}

	m.Lock()
	cb, observers := m.callback, m.observers
	m.Unlock()
	if cb != nil {
		cb(e)
	}
	for _, fn := range observers {
		fn(e)
	}
}

func (m *Manager) onMessage(topic string, payload []byte) {
	m.Lock()
	h, ok := m.handlers[topic]
	m.Unlock()
	if !ok {
		m.log.Errorf("unexpected message topic=%s payload=%x", topic, payload)
		return
	}
	m.metrics.Messages.WithLabelValues(topic[len(m.prefix)+1:]).Inc()
	h(payload)
}

func (m *Manager) String() string {
	return fmt.Sprintf("connection(prefix=%s state=%s)", m.prefix, m.State())
}
