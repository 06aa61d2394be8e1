package state

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensord/helpers"
	"github.com/temoto/sensord/internal/bootstrap"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/internal/metrics"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/session/paho"
	"github.com/temoto/sensord/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Hardware     hardware // hardware.go
	Log          *log2.Log
	Metrics      *metrics.Metrics

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive:   alive.NewAlive(),
		Log:     log,
		Metrics: metrics.New(),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

// NewTestContext reads inline config and inits Global with hardware stubs.
func NewTestContext(t testing.TB, buildVersion string, confString string) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("sensord_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.BuildVersion = buildVersion
	cfg, err := ReadConfig(log, fs, "test-inline")
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	if err := g.Init(ctx, cfg); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init validates cfg, also when it was built by hand instead of ReadConfig.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.NotValidf("code error Global.Init config=nil")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "Global.Init")
	}
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.SetErrorFunc(func(error) { g.Metrics.LogErrors.Inc() })

	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.BuildVersion == "" || g.BuildVersion == "unknown" {
		g.Log.Errorf(`build version is not set, build with -ldflags "-X main.BuildVersion=..."`)
	} else if strings.HasSuffix(g.BuildVersion, "-dirty") {
		g.Log.Errorf("running development build with uncommited changes, bad idea for production")
	}
	return nil
}

// Sequencer builds bootstrap from credentials config. create is the connection constructor.
func (g *Global) Sequencer(create bootstrap.CreateFunc) *bootstrap.Sequencer {
	c := &g.Config.Credentials
	return &bootstrap.Sequencer{
		Log:             g.Log.Module("bootstrap"),
		CAPath:          c.CAFile,
		SecondaryCAPath: c.SecondaryCAFile,
		CertPath:        c.CertFile,
		KeyPath:         c.KeyFile,
		RetryDelay:      helpers.IntSecondDefault(c.RetryDelaySec, bootstrap.DefaultRetryDelay),
		Create:          create,
	}
}

func (g *Global) ConnectionOptions() (connection.Options, error) {
	c := &g.Config.Session
	log := g.Log.Clone(log2.LInfo)
	if c.LogDebug || g.Config.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	opt := connection.Options{
		Log:            log.Module("connection"),
		Metrics:        g.Metrics,
		BrokerURL:      c.Broker,
		ClientID:       c.ClientID,
		KeepaliveSec:   uint16(c.KeepaliveSec),
		NetworkTimeout: time.Duration(c.NetworkTimeoutSec) * time.Second,
		ReconnectDelay: time.Duration(c.ReconnectDelaySec) * time.Second,
		PublishTimeout: time.Duration(c.PublishTimeoutSec) * time.Second,
	}
	switch c.Transport {
	case TransportGomqtt, "":
		opt.Transport = connection.GomqttTransport
	case TransportPaho:
		opt.Transport = func(o session.TransportOptions) (session.Transport, error) { return paho.NewClient(o) }
	default:
		return opt, errors.NotValidf("config session.transport=%s", c.Transport)
	}
	ind, err := g.Indicator()
	if err != nil {
		return opt, err
	}
	opt.Indicator = ind
	return opt, nil
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(err)
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	g.Hardware.close(g.Log)
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
