package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/temoto/sensord/log2"
)

type State uint32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Event is connection state transition reported by transport.
type Event struct {
	State State
	Err   error // reason for Disconnected, may be nil
	At    time.Time
}

type EventFunc func(Event)
type MessageFunc func(topic string, payload []byte)

type QOS byte

const (
	QOSAtMostOnce  QOS = 0
	QOSAtLeastOnce QOS = 1
)

// Transport contract:
// - New* returns only configuration errors, network IO is done in background after Start
// - Subscribe only before Start; subscriptions are renewed on every connect
// - unlimited reconnect attempts until Close
// - OnEvent is called from transport goroutines, must not block
// - Publish while offline waits for connection within ctx
type Transport interface {
	Subscribe(topic string, qos QOS) error
	Start() error
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte, qos QOS, retain bool) error
	Close() error
}

type TransportOptions struct {
	BrokerURL      string
	ClientID       string
	TLS            *tls.Config
	KeepaliveSec   uint16
	NetworkTimeout time.Duration
	ReconnectDelay time.Duration
	Log            *log2.Log
	OnEvent        EventFunc
	OnMessage      MessageFunc
}

type TransportFunc func(TransportOptions) (Transport, error)
