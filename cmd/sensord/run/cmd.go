// Package run is the device main mode: bootstrap session, then stream telemetry forever.
package run

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sensord/cmd/sensord/subcmd"
	"github.com/temoto/sensord/internal/bootstrap"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/internal/service"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/state"
	"github.com/temoto/sensord/internal/telemetry"
)

const rebootDelay = 3 * time.Second

var Mod = subcmd.Mod{Name: "run", Usage: "connect and stream telemetry (default)", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return Idle(ctx, g, err)
	}

	var current atomic.Value // *connection.Manager
	conn := func() *connection.Manager { m, _ := current.Load().(*connection.Manager); return m }
	if config.Metrics.Listen != "" {
		ready := func() bool { m := conn(); return m != nil && m.IsConnected() }
		if err := g.Metrics.Serve(g.Alive, g.Log.Module("metrics"), config.Metrics.Listen, ready); err != nil {
			g.Error(err)
		}
	}

	s, err := g.Sensor()
	if err != nil {
		return Idle(ctx, g, err)
	}
	loop := telemetry.NewLoop(g.Log.Module("telemetry"), s, nil, g.Metrics)
	loop.Path = config.Telemetry.StreamPath
	if err = loop.SetInterval(config.Telemetry.LoopDelaySec); err != nil {
		return Idle(ctx, g, err)
	}

	if w, err := g.Button(loop.Wake); err != nil {
		// device still useful without button
		g.Error(err)
	} else if w != nil {
		go w.Run(g.Alive)
	}

	opt, err := g.ConnectionOptions()
	if err != nil {
		return Idle(ctx, g, err)
	}
	seq := g.Sequencer(func(cfg session.Config) (bootstrap.Session, error) {
		m, err := connection.Create(cfg, opt)
		if err != nil {
			return nil, err
		}
		if err = m.RegisterEventCallback(onEvent); err != nil {
			return nil, err
		}
		for _, svc := range Services(g, loop) {
			if err = m.RegisterService(svc); err != nil {
				return nil, err
			}
		}
		loop.Conn = m
		current.Store(m)
		return m, nil
	})

	subcmd.SdNotify(daemon.SdNotifyReady)
	if _, err = seq.Run(ctx); err != nil {
		if errors.Cause(err) == bootstrap.ErrFatalConfig {
			return Idle(ctx, g, err)
		}
		return stopped(ctx, err)
	}

	err = loop.Run(ctx)
	if m := conn(); m != nil {
		if cerr := m.Close(); cerr != nil {
			g.Log.Errorf("connection close err=%v", cerr)
		}
	}
	return stopped(ctx, err)
}

// Services are registered on every created connection.
func Services(g *state.Global, loop *telemetry.Loop) []connection.Service {
	rpc := service.NewRPC(g.Log.Module("rpc"))
	rpc.Handle("set_log_level", service.SetLogLevel(g.Log))
	rpc.Handle("get_loop_delay", service.GetLoopDelay(loop))
	rpc.Handle("reboot", service.Reboot(rebootDelay, g.Stop))
	version := g.BuildVersion
	if version == "" {
		version = "unknown"
	}
	return []connection.Service{
		&service.Settings{Log: g.Log.Module("settings"), Loop: loop},
		&service.State{Log: g.Log.Module("state")},
		rpc,
		&service.Firmware{Log: g.Log.Module("firmware"), Version: version},
	}
}

// Idle leaves device powered but inactive until stop signal.
func Idle(ctx context.Context, g *state.Global, err error) error {
	g.Log.Errorf("fatal configuration, idle until stopped: %s", errors.ErrorStack(err))
	subcmd.SdNotify("STATUS=idle: " + err.Error())
	<-ctx.Done()
	return nil
}

func onEvent(e session.Event) {
	subcmd.SdNotify("STATUS=" + e.State.String())
}

func stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Cause(err) == ctx.Err() {
		return nil
	}
	return err
}
