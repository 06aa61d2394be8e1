package mqtt

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/sensord/helpers"
	"github.com/temoto/sensord/internal/session"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type options struct {
	session.TransportOptions
	username string
	password string

	conpkt *packet.Connect
	dialer *transport.Dialer
}

// Device session specific MQTT client.
// - NewClient() returns only configuration errors, network IO is done in background after Start()
// - Connect with clean session only
// - Subscribe for configured list before Start(), no unsubscribe
// - Unlimited reconnect attempts until Close()
// - QOS 0,1
// - No in-flight storage (except Publish call stack)
// - Serialized Publish, concurrent callers wait in line
// - Connecting/Connected/Disconnected reported via OnEvent
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     options
	started bool
	state   uint32 // session.State
	subs    []packet.Subscription

	eventMu sync.Mutex

	flowPublish struct {
		serial sync.Mutex // held for whole publish flow
		sync.Mutex        // guards fu,id
		fu     *helpers.Future
		id     packet.ID
	}
}

var _ session.Transport = (*Client)(nil)

func NewClient(opt session.TransportOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error session.TransportOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	o := options{TransportOptions: opt}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker=%s", opt.BrokerURL)
	} else if u.User != nil {
		o.username = u.User.Username()
		o.password, _ = u.User.Password()
	}
	o.conpkt = packet.NewConnect()
	o.conpkt.ClientID = opt.ClientID
	o.conpkt.KeepAlive = opt.KeepaliveSec
	o.conpkt.CleanSession = true
	o.conpkt.Username = defaultString(o.username, opt.ClientID)
	o.conpkt.Password = o.password
	o.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    o,
	}
	return c, nil
}

func (c *Client) Subscribe(topic string, qos session.QOS) error {
	c.Lock()
	defer c.Unlock()
	if c.started {
		return errors.Errorf("code error mqtt Subscribe topic=%s after Start", topic)
	}
	c.subs = append(c.subs, packet.Subscription{Topic: topic, QOS: packet.QOS(qos)})
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
		return ErrClientClosing
	}
	go c.worker()
	return nil
}

func (c *Client) State() session.State { return session.State(atomic.LoadUint32(&c.state)) }
func (c *Client) IsConnected() bool     { return c.State() == session.StateConnected }

func (c *Client) Options() session.TransportOptions { return c.opt.TransportOptions }

// Close sends DISCONNECT only on live connection.
// Never started or offline client closes without error.
func (c *Client) Close() error {
	var err error
	if c.IsConnected() {
		err = c.Disconnect()
	}
	c.alive.Stop()
	c.alive.Wait()
	return err
}

func (c *Client) Disconnect() error {
	err := client.ErrClientNotConnected
	if cc := c.clientConn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		_ = cc.die(ErrClientClosing)
	}
	return err
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos session.QOS, retain bool) error {
	if packet.QOS(qos) >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("mqtt QOS=%d", qos)
	}
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	c.flowPublish.serial.Lock()
	defer c.flowPublish.serial.Unlock()
	cc := c.clientConn(false)
	if cc == nil {
		return client.ErrClientNotConnected
	}

	publish := packet.NewPublish()
	publish.Message = packet.Message{Topic: topic, Payload: payload, QOS: packet.QOS(qos), Retain: retain}
	var fu *helpers.Future
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
		fu = helpers.NewFuture()
		helpers.WithLock(&c.flowPublish, func() {
			c.flowPublish.fu = fu
			c.flowPublish.id = publish.ID
		})
		defer helpers.WithLock(&c.flowPublish, func() { c.flowPublish.fu = nil })
	}
	if err := cc.send(publish); err != nil {
		return errors.Annotate(err, "send PUBLISH")
	}
	if fu == nil {
		return nil
	}

	timer := time.NewTimer(c.opt.NetworkTimeout)
	defer timer.Stop()
	select {
	case <-fu.Completed():
		return nil

	case <-fu.Cancelled():
		err, _ := fu.Result().(error)
		return errors.Annotate(err, "PUBACK")

	case <-cc.alive.StopChan():
		return errors.Annotatef(ErrClientClosing, "connection lost before PUBACK id=%d", publish.ID)

	case <-timer.C:
		err := errors.Timeoutf("PUBACK id=%d", publish.ID)
		fu.Cancel(err)
		return cc.die(err)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Returns, in this order:
// - ErrClientClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - ctx.Err() if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return ctx.Err()

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch err := cc.waitReady(ctx); err {
		case nil: // success path
			return nil

		case ErrClientClosing: // current connection is lost, wait for next one
			select {
			case <-cc.alive.WaitChan():
			case <-donech:
				return ctx.Err()
			case <-stopch:
				return ErrClientClosing
			}

		default:
			return err
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() && create {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.subs) != 0 {
			subpkt = &packet.Subscribe{
				ID:            c.nextID(),
				Subscriptions: c.subs,
			}
		}
		c.current = newClientConn(c, subpkt)
	}
	return c.current
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

// transition serializes events from connection goroutines.
func (c *Client) transition(cc *clientConn, s session.State, err error) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	if s == session.StateConnected && cc.isClosed() {
		return
	}
	prev := session.State(atomic.SwapUint32(&c.state, uint32(s)))
	if prev == s {
		return
	}
	c.opt.Log.Debugf("state %s -> %s err=%v", prev, s, err)
	if c.opt.OnEvent != nil {
		c.opt.OnEvent(session.Event{State: s, Err: err, At: time.Now()})
	}
}

func (c *Client) onPacket(cc *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(cc, pt)
	case *packet.Puback:
		c.onPuback(cc, pt.ID)
	default:
		c.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(cc *clientConn, publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = cc.die(errors.NotSupportedf("server error incoming QOS=2 topic=%s", publish.Message.Topic))
		return
	}

	c.opt.OnMessage(publish.Message.Topic, publish.Message.Payload)

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := cc.send(puback); err != nil {
			return
		}
	}
}

func (c *Client) onPuback(cc *clientConn, id packet.ID) {
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu == nil {
		c.opt.Log.Errorf("unexpected PUBACK id=%d", id)
		return
	}
	if c.flowPublish.id != id {
		// given serialized publish flow, PUBACK for unexpected id is severe error
		_ = cc.die(errors.Errorf("PUBACK id=%d expected=%d", id, c.flowPublish.id))
		return
	}
	c.flowPublish.fu.Complete(id)
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			cc.alive.Wait()
			return
		}

		c.opt.Log.Debugf("wait ReconnectDelay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			return
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// Differences from upstream 256dpi/gomqtt/client.Client:
// - observe connected and subscribed events via futures
// - no mutex, state is set once at creation, except transport.Conn which requires blocking Dial
// - subscribe once right after connect
type clientConn struct {
	alive  *alive.Alive
	c      *Client
	closed uint32
	confu  *helpers.Future
	conn   atomic.Value       // transport.Conn
	pingat atomic_clock.Clock // timestamp of last outgoing control packet
	pongat atomic_clock.Clock // timestamp of last incoming control packet
	subfu  *helpers.Future
	subpkt *packet.Subscribe
}

func newClientConn(c *Client, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		c:      c,
		confu:  helpers.NewFuture(),
		subfu:  helpers.NewFuture(),
		subpkt: subpkt,
	}
	cc.alive.Add(1)
	c.transition(cc, session.StateConnecting, nil)
	go cc.connect()
	return cc
}

func (cc *clientConn) isClosed() bool { return atomic.LoadUint32(&cc.closed) != 0 }

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	cc.c.transition(cc, session.StateDisconnected, e)
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (cc *clientConn) opt() *options { return &cc.c.opt }

// dial, send CONNECT, wait CONNACK, start pinger, reader and subscriber
func (cc *clientConn) connect() {
	defer cc.alive.Done()
	opt := cc.opt()

	conn, err := opt.dialer.Dial(opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if cc.isClosed() {
		_ = conn.Close()
		return
	}
	if err = cc.send(opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		opt.Log.Debugf("CONNACK=%s", connack.String())
		// return connection denied error and close connection if not accepted
		if connack.ReturnCode != packet.ConnectionAccepted {
			_ = cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) ready() {
	if cc.subfu.Complete(true) {
		cc.c.transition(cc, session.StateConnected, nil)
	}
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if cc.subpkt == nil || suback.ID != cc.subpkt.ID {
		err := errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK id=%d", suback.ID)
		_ = cc.die(err)
		return
	}
	for i, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			topic := ""
			if i < len(cc.subpkt.Subscriptions) {
				topic = cc.subpkt.Subscriptions[i].Topic
			}
			_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "topic=%s", topic))
			return
		}
	}
	cc.ready()
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last outgoing packet.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	opt := cc.opt()
	if opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] basically says control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(opt.KeepaliveSec)
	// Try to send PINGREQ as late as possible to keep network traffic to minimum while respecting possible network issues.
	interval := keepalive - opt.NetworkTimeout
	if interval <= 0 {
		interval = time.Duration(opt.KeepaliveSec) * time.Second / 2
	}
	stopch := cc.alive.StopChan()
	for {
		sincePing := atomic_clock.Since(&cc.pingat)
		if sincePong := atomic_clock.Since(&cc.pongat); sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
		if sincePing >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
			sincePing = 0
		}
		select {
		case <-time.After(interval - sincePing):
		case <-stopch:
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()
	opt := cc.opt()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if cc.isClosed() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			_ = cc.die(errors.Annotate(err, "server closed connection"))
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.onSuback(pt)

		default:
			cc.pongat.SetNow()
			cc.c.onPacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.SetNow()
	cc.opt().Log.Debugf("sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt == nil {
		cc.ready()
		return
	}

	if err := cc.send(cc.subpkt); err != nil {
		return
	}

	timer := time.NewTimer(cc.opt().NetworkTimeout)
	defer timer.Stop()
	select {
	case <-cc.subfu.Completed():
	case <-cc.subfu.Cancelled():
	case <-timer.C:
		_ = cc.die(errors.Timeoutf("subscribe"))
	}
}

// Returns, in this order:
// - ErrClientClosing if clientConn is in final invalid state
// - nil if connected and subscribed within context limit
// - ctx.Err() if context canceled/expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}
	for _, fu := range []*helpers.Future{cc.confu, cc.subfu} {
		select {
		case <-fu.Completed():
		case <-fu.Cancelled():
			return ErrClientClosing
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
