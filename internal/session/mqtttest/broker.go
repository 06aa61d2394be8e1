// Package mqtttest runs in-process MQTT 3.1.1 broker for transport and connection tests.
// QOS 0 and 1, retained messages, client id bound to TLS client certificate.
package mqtttest

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensord/helpers"
	"github.com/temoto/sensord/internal/session/mqtt"
	"github.com/temoto/sensord/log2"
)

const (
	DefaultNetworkTimeout = 5 * time.Second
	defaultReadLimit      = 1 << 20
	receivedBuffer        = 64
)

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("broker is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
	ErrKicked        = fmt.Errorf("kicked")
)

// ConnectFunc decides whether to accept CONNECT.
// peerCN is TLS client certificate common name, empty without TLS.
type ConnectFunc = func(pkt *packet.Connect, peerCN string) bool

type Options struct {
	Log            *log2.Log
	TLS            *tls.Config // nil listens plain tcp
	NetworkTimeout time.Duration
	AckTimeout     time.Duration
	// nil: with TLS client id must equal certificate common name, without TLS accept all
	OnConnect ConnectFunc
}

// Event is client session start or end.
type Event struct {
	ClientID  string
	Connected bool
	Clean     bool // DISCONNECT received
	Err       error
}

type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Broker struct {
	sync.Mutex // guards ns

	alive    *alive.Alive
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
	events   chan Event
	log      *log2.Log
	nextid   uint32 // atomic packet.ID
	ns       *transport.NetServer
	opt      Options
	received chan *packet.Message
	retain   *topic.Tree // *packet.Message
	subs     *topic.Tree // *subscription
}

func New(opt Options) *Broker {
	if opt.Log == nil {
		panic("code error mqtttest.Options.Log=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.AckTimeout == 0 {
		opt.AckTimeout = 2 * opt.NetworkTimeout
	}
	if opt.OnConnect == nil {
		opt.OnConnect = authCertificateCN
	}
	b := &Broker{
		alive:    alive.NewAlive(),
		events:   make(chan Event, receivedBuffer),
		log:      opt.Log,
		opt:      opt,
		received: make(chan *packet.Message, receivedBuffer),
		retain:   topic.NewStandardTree(),
		subs:     topic.NewStandardTree(),
	}
	b.backends.m = make(map[string]*backend)
	return b
}

// Start listens on random local port, Close on test cleanup.
func Start(t testing.TB, opt Options) *Broker {
	b := New(opt)
	require.NoError(t, b.Listen("127.0.0.1:0"))
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Logf("broker close err=%v", err)
		}
	})
	return b
}

func (b *Broker) Listen(address string) error {
	b.Lock()
	defer b.Unlock()
	if b.ns != nil {
		return errors.AlreadyExistsf("broker listen")
	}

	var ns *transport.NetServer
	var err error
	if b.opt.TLS != nil {
		if ns, err = transport.CreateSecureNetServer(address, b.opt.TLS); err != nil {
			return errors.Annotate(err, "CreateSecureNetServer")
		}
	} else {
		listen, err := net.Listen("tcp", address)
		if err != nil {
			return errors.Annotatef(err, "net.Listen address=%s", address)
		}
		ns = transport.NewNetServer(listen)
	}
	if !b.alive.Add(1) {
		_ = ns.Close()
		return ErrClosing
	}
	b.ns = ns
	b.log.Debugf("broker listen url=%s", b.urlLocked())
	go b.acceptLoop(ns)
	return nil
}

// URL is broker address for client options, e.g. tls://127.0.0.1:34567
func (b *Broker) URL() string {
	b.Lock()
	defer b.Unlock()
	return b.urlLocked()
}

func (b *Broker) urlLocked() string {
	if b.ns == nil {
		return ""
	}
	scheme := "tcp"
	if b.opt.TLS != nil {
		scheme = "tls"
	}
	return scheme + "://" + b.ns.Addr().String()
}

func (b *Broker) Close() error {
	// serialize with acceptLoop
	b.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(b, func() {
		if b.ns != nil {
			if err := b.ns.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	helpers.WithLock(b.backends.RLocker(), func() {
		for _, be := range b.backends.m {
			switch err := be.die(nil); err {
			case nil, ErrClosing, io.EOF:
			default:
				errs = append(errs, err)
			}
		}
	})
	b.alive.Wait()
	return helpers.FoldErrors(errs)
}

// Received returns messages published by clients.
func (b *Broker) Received() <-chan *packet.Message { return b.received }

func (b *Broker) Events() <-chan Event { return b.events }

// Retained returns copy of retained message exactly on topic or nil.
func (b *Broker) Retained(name string) *packet.Message {
	for _, x := range b.retain.Search(name) {
		if m := x.(*packet.Message); m.Topic == name {
			return m.Copy()
		}
	}
	return nil
}

// Subscribed reports whether client has subscription with exact pattern.
func (b *Broker) Subscribed(clientID, pattern string) bool {
	for _, x := range b.subs.All() {
		if sub := x.(*subscription); sub.client == clientID && sub.pattern == pattern {
			return true
		}
	}
	return false
}

// Kick closes client network connection without DISCONNECT.
func (b *Broker) Kick(clientID string) bool {
	b.backends.RLock()
	be, ok := b.backends.m[clientID]
	b.backends.RUnlock()
	if ok {
		_ = be.die(ErrKicked)
	}
	return ok
}

func (b *Broker) NextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&b.nextid, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Publish stores retained message and delivers to matching subscribers.
func (b *Broker) Publish(ctx context.Context, msg *packet.Message) error {
	b.log.Debugf("broker publish msg=%s", mqtt.MessageString(msg))
	id := b.NextID()

	if msg.Retain {
		if len(msg.Payload) != 0 {
			b.retain.Set(msg.Topic, msg.Copy())
		} else {
			b.retain.Empty(msg.Topic)
		}
	}

	subs := make([]*subscription, 0, 4)
	uniq := make(map[string]struct{})
	for _, x := range b.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if _, ok := uniq[sub.client]; !ok {
			uniq[sub.client] = struct{}{}
			subs = append(subs, sub)
		}
	}
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(b.backends.RLocker(), func() {
		for _, sub := range subs {
			be, ok := b.backends.m[sub.client]
			if !ok {
				continue
			}
			wg.Add(1)
			bmsg := msg.Copy()
			bmsg.QOS = sub.qos
			bmsg.Retain = false
			go func() {
				defer wg.Done()
				errch <- be.Publish(ctx, id, bmsg)
			}()
		}
	})
	wg.Wait()
	close(errch)
	errs := make([]error, 0, len(subs))
	for err := range errch {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (b *Broker) acceptLoop(ns *transport.NetServer) {
	defer b.alive.Done()
	for {
		conn, err := ns.Accept()
		if !b.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			b.log.Error(errors.Annotate(err, "broker accept"))
			b.alive.Stop()
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.processConn(conn)
	}
}

func (b *Broker) onAccept(conn transport.Conn) (*backend, error) {
	addr := addrString(conn.RemoteAddr())
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Annotatef(err, "addr=%s", addr)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Annotatef(broker.ErrUnexpectedPacket, "addr=%s pkt=%s", addr, mqtt.PacketString(pkt))
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Annotatef(broker.ErrNotAuthorized, "addr=%s empty clientid", addr)
	}
	peerCN := peerCommonName(conn)
	if !b.opt.OnConnect(pktConnect, peerCN) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Annotatef(broker.ErrNotAuthorized, "addr=%s clientid=%s cn=%s", addr, pktConnect.ClientID, peerCN)
	}
	b.log.Debugf("broker CONNECT addr=%s client=%s cn=%s keepalive=%d",
		addr, pktConnect.ClientID, peerCN, pktConnect.KeepAlive)

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > b.opt.NetworkTimeout {
		keepalive = b.opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Annotatef(err, "addr=%s", addr)
	}
	return newBackend(conn, b.log, b.opt.AckTimeout, pktConnect), nil
}

func (b *Broker) processConn(conn transport.Conn) {
	defer b.alive.Done()

	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(defaultReadLimit)
	conn.SetReadTimeout(b.opt.NetworkTimeout)
	be, err := b.onAccept(conn)
	if err != nil {
		b.log.Infof("broker onAccept err=%v", err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&b.backends, func() {
		if ex, ok := b.backends.m[be.id]; ok {
			b.log.Infof("broker client overtake id=%s ex=%s new=%s", be.id, addrString(ex.RemoteAddr()), addrString(be.RemoteAddr()))
			_ = ex.die(ErrSameClient)
		}
		b.backends.m[be.id] = be
	})
	b.event(Event{ClientID: be.id, Connected: true})

	wg := sync.WaitGroup{}
	for {
		pkt, err := be.Receive()
		if !be.alive.IsRunning() || !b.alive.IsRunning() {
			_ = be.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go b.processPacket(be, pkt, &wg)
	}
	wg.Wait()
	_ = be.acks.Await(b.opt.NetworkTimeout)
	be.acks.Clear()
	be.alive.WaitTasks()

	closeErr := be.die(ErrClosing)
	helpers.WithLock(&b.backends, func() {
		if ex := b.backends.m[be.id]; be == ex {
			delete(b.backends.m, be.id)
			for _, value := range b.subs.All() {
				if sub := value.(*subscription); sub.client == be.id {
					b.subs.Remove(sub.pattern, value)
				}
			}
		}
	})
	b.event(Event{ClientID: be.id, Clean: be.clean(), Err: closeErr})
}

// on each incoming packet after connect handshake
func (b *Broker) processPacket(be *backend, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	err := helpers.WithLockError(b.backends.RLocker(), func() error {
		if ex := b.backends.m[be.id]; be != ex {
			return ErrSameClient
		}
		return nil
	})
	if err != nil {
		_ = be.die(err)
		return
	}

	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = be.Send(packet.NewPingresp())

	case *packet.Publish:
		err = b.onPublish(be, pt)

	case *packet.Puback:
		err = be.fulfillAck(pt.ID)

	case *packet.Subscribe:
		err = b.onSubscribe(be, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = errors.NotSupportedf("qos2")

	case *packet.Disconnect:
		be.onDisconnect()
		_ = be.die(nil)
		return

	default:
		err = errors.Errorf("packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		b.log.Errorf("broker client=%s err=%v", be.id, err)
		_ = be.die(err)
	}
}

func (b *Broker) onPublish(be *backend, pub *packet.Publish) error {
	if pub.Message.QOS > packet.QOSAtLeastOnce {
		return errors.NotSupportedf("qos=%d", pub.Message.QOS)
	}
	msg := pub.Message.Copy()
	select {
	case b.received <- msg:
	default:
		b.log.Errorf("broker received buffer full, drop msg=%s", mqtt.MessageString(msg))
	}
	switch err := b.Publish(context.Background(), msg); err {
	case nil, ErrNoSubscribers:
	default:
		b.log.Debugf("broker forward err=%v", err)
	}

	if pub.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = pub.ID
		return be.Send(puback)
	}
	return nil
}

func (b *Broker) onSubscribe(be *backend, pkt *packet.Subscribe) error {
	// A SUBSCRIBE packet with no payload is a protocol violation [MQTT-3.8.3-3].
	if len(pkt.Subscriptions) == 0 {
		return errors.Errorf("subscribe request with empty sub list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := make([]*packet.Message, 0)
	for _, sub := range pkt.Subscriptions {
		s := &subscription{pattern: sub.Topic, client: be.id, qos: sub.QOS}
		if s.qos > packet.QOSAtLeastOnce {
			s.qos = packet.QOSAtLeastOnce
		}
		b.subs.Add(s.pattern, s)
		suback.ReturnCodes = append(suback.ReturnCodes, s.qos)
		for _, v := range b.retain.Search(s.pattern) {
			m := v.(*packet.Message).Copy()
			m.QOS = s.qos
			retained = append(retained, m)
		}
	}
	if err := be.Send(suback); err != nil {
		return errors.Annotate(err, "onSubscribe")
	}
	for _, m := range retained {
		m := m
		pid := b.NextID()
		go func() { _ = be.Publish(context.Background(), pid, m) }()
	}
	return nil
}

func (b *Broker) event(e Event) {
	select {
	case b.events <- e:
	default:
	}
}

func authCertificateCN(pkt *packet.Connect, peerCN string) bool {
	return peerCN == "" || pkt.ClientID == peerCN
}

func peerCommonName(conn transport.Conn) string {
	u, ok := conn.(interface{ UnderlyingConn() net.Conn })
	if !ok {
		return ""
	}
	tc, ok := u.UnderlyingConn().(*tls.Conn)
	if !ok {
		return ""
	}
	st := tc.ConnectionState()
	if len(st.PeerCertificates) == 0 {
		return ""
	}
	return st.PeerCertificates[0].Subject.CommonName
}
