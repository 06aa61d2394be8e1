// Package paho is alternative session transport on top of eclipse paho.
// Useful where the broker is picky about gomqtt connect flow.
package paho

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensord/helpers"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/log2"
)

const defaultNetworkTimeout = 30 * time.Second
const defaultReconnectDelay = 3 * time.Second
const disconnectQuiesce = 250 * time.Millisecond

// replaced in tests
var newMqttClient = mqtt.NewClient

type subscription struct {
	topic string
	qos   byte
}

type Client struct {
	sync.Mutex
	alive   *alive.Alive
	log     *log2.Log
	m       mqtt.Client
	mopt    *mqtt.ClientOptions
	opt     session.TransportOptions
	ready   chan struct{}
	started bool
	state   uint32 // session.State
	subs    []subscription
}

var _ session.Transport = (*Client)(nil)

// paho logger levels routed into debug
type pahoLogger struct{ log *log2.Log }

func (p pahoLogger) Println(v ...interface{})               { p.log.Debug(v...) }
func (p pahoLogger) Printf(format string, v ...interface{}) { p.log.Debugf(format, v...) }

func NewClient(opt session.TransportOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error session.TransportOptions.OnMessage=nil")
	}
	if opt.BrokerURL == "" {
		return nil, errors.NotValidf("config error mqtt broker empty")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = defaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = defaultReconnectDelay
	}
	keepalive := time.Duration(opt.KeepaliveSec) * time.Second
	if keepalive == 0 {
		keepalive = opt.NetworkTimeout
	}

	c := &Client{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
		ready: make(chan struct{}),
	}
	lg := pahoLogger{c.log}
	mqtt.CRITICAL = lg
	mqtt.ERROR = lg
	c.mopt = mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(opt.NetworkTimeout).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(opt.ReconnectDelay * 10).
		SetOnConnectHandler(c.onConnect).
		SetOrderMatters(false).
		SetPingTimeout(opt.NetworkTimeout).
		SetTLSConfig(opt.TLS).
		SetWriteTimeout(opt.NetworkTimeout)
	c.m = newMqttClient(c.mopt)
	return c, nil
}

func (c *Client) Subscribe(topic string, qos session.QOS) error {
	c.Lock()
	defer c.Unlock()
	if c.started {
		return errors.Errorf("code error mqtt Subscribe topic=%s after Start", topic)
	}
	c.subs = append(c.subs, subscription{topic, byte(qos)})
	return nil
}

func (c *Client) Start() error {
	c.Lock()
	started := c.started
	c.started = true
	c.Unlock()
	if started {
		return errors.AlreadyExistsf("mqtt client started")
	}
	if !c.alive.Add(1) {
		return errors.New("mqtt client is closing")
	}
	go c.connectLoop(0)
	return nil
}

func (c *Client) State() session.State { return session.State(atomic.LoadUint32(&c.state)) }
func (c *Client) IsConnected() bool     { return c.State() == session.StateConnected }

func (c *Client) Close() error {
	c.alive.Stop()
	c.alive.Wait()
	if c.m.IsConnected() {
		c.m.Disconnect(uint(c.opt.NetworkTimeout / time.Millisecond))
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos session.QOS, retain bool) error {
	if qos > session.QOSAtLeastOnce {
		return errors.NotSupportedf("mqtt QOS=%d", qos)
	}
	select {
	case <-c.readyChan():
	case <-ctx.Done():
		return ctx.Err()
	case <-c.alive.StopChan():
		return errors.New("mqtt client is closing")
	}
	t := c.m.Publish(topic, byte(qos), retain, payload)
	return c.tokenWait(t, "publish "+topic)
}

func (c *Client) readyChan() <-chan struct{} {
	c.Lock()
	defer c.Unlock()
	return c.ready
}

// connectLoop retries Connect until success, then paho auto reconnect takes over.
func (c *Client) connectLoop(delay time.Duration) {
	defer c.alive.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	if delay != 0 && helpers.Sleep(ctx, delay) != nil {
		return
	}
	for c.alive.IsRunning() {
		c.transition(session.StateConnecting, nil)
		err := c.tokenWait(c.m.Connect(), "connect")
		if err == nil {
			return // auto reconnect from now on
		}
		c.transition(session.StateDisconnected, err)
		if helpers.Sleep(ctx, c.opt.ReconnectDelay) != nil {
			return
		}
	}
}

// Subscriptions are renewed on every connect, clean session.
func (c *Client) onConnect(m mqtt.Client) {
	c.Lock()
	subs := c.subs
	c.Unlock()
	for _, s := range subs {
		if err := c.tokenWait(m.Subscribe(s.topic, s.qos, c.onMessage), "subscribe "+s.topic); err != nil {
			c.resubscribeFailed(err)
			return
		}
	}
	c.Lock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.Unlock()
	c.transition(session.StateConnected, nil)
}

// Connection without subscriptions is useless. Explicit Disconnect stops paho
// auto reconnect, so connect again from scratch after ReconnectDelay.
func (c *Client) resubscribeFailed(err error) {
	c.transition(session.StateDisconnected, err)
	c.m.Disconnect(uint(disconnectQuiesce / time.Millisecond))
	if !c.alive.Add(1) {
		return
	}
	go c.connectLoop(c.opt.ReconnectDelay)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.Lock()
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	c.Unlock()
	c.transition(session.StateDisconnected, err)
	if c.alive.IsRunning() {
		c.transition(session.StateConnecting, nil)
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.opt.OnMessage(msg.Topic(), msg.Payload())
}

func (c *Client) transition(s session.State, err error) {
	prev := session.State(atomic.SwapUint32(&c.state, uint32(s)))
	if prev == s {
		return
	}
	c.log.Debugf("state %s -> %s err=%v", prev, s, err)
	if c.opt.OnEvent != nil {
		c.opt.OnEvent(session.Event{State: s, Err: err, At: time.Now()})
	}
}

func (c *Client) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(c.opt.NetworkTimeout) {
		return errors.Timeoutf("mqtt %s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotate(err, fmt.Sprintf("mqtt %s", tag))
	}
	return nil
}
