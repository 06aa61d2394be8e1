package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensord/internal/bootstrap"
	"github.com/temoto/sensord/internal/indicator"
	"github.com/temoto/sensord/internal/sensor"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/telemetry"
	"github.com/temoto/sensord/log2"
)

const testBase = `
credentials { ca_file = "/etc/sensord/ca.der" }
session { broker = "tls://broker.example:8883" client_id = "dev1" }
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, context.Context)
		expectErr string
	}
	cases := []Case{
		{"defaults", testBase, func(t testing.TB, ctx context.Context) {
			c := GetGlobal(ctx).Config
			assert.Equal(t, DefaultCertFile, c.Credentials.CertFile)
			assert.Equal(t, DefaultKeyFile, c.Credentials.KeyFile)
			assert.Equal(t, TransportGomqtt, c.Session.Transport)
			assert.Equal(t, telemetry.DefaultInterval, c.Telemetry.LoopDelaySec)
			assert.Equal(t, telemetry.DefaultPath, c.Telemetry.StreamPath)
			assert.Equal(t, SensorBMxx80, c.Hardware.Sensor.Driver)
			assert.False(t, c.Hardware.LED.Enabled())
		}, ""},

		{"full", testBase + `
log_debug = true
credentials { cert_file = "c.pem" key_file = "k.pem" secondary_ca_file = "ca2.der" retry_delay_sec = 2 }
session { transport = "paho" keepalive_sec = 30 }
telemetry { loop_delay_sec = 5 stream_path = "env" }
hardware {
	sensor { driver = "static" pressure = 101.5 temperature = 21 }
	led { gpio_chip = "/dev/gpiochip0" line = "17" active_low = true }
}
metrics { listen = ":9100" }`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				c := g.Config
				assert.True(t, c.LogDebug)
				assert.Equal(t, log2.LDebug, g.Log.Level())
				assert.Equal(t, "c.pem", c.Credentials.CertFile)
				assert.Equal(t, "ca2.der", c.Credentials.SecondaryCAFile)
				assert.Equal(t, "/etc/sensord/ca.der", c.Credentials.CAFile)
				assert.Equal(t, TransportPaho, c.Session.Transport)
				assert.Equal(t, "dev1", c.Session.ClientID)
				assert.Equal(t, 30, c.Session.KeepaliveSec)
				assert.Equal(t, 5, c.Telemetry.LoopDelaySec)
				assert.Equal(t, "env", c.Telemetry.StreamPath)
				assert.Equal(t, 101.5, c.Hardware.Sensor.Pressure)
				assert.True(t, c.Hardware.LED.ActiveLow)
				line, err := c.Hardware.LED.LineNumber()
				assert.NoError(t, err)
				assert.Equal(t, uint32(17), line)
				assert.Equal(t, ":9100", c.Metrics.Listen)
			}, ""},

		{"include-optional", `
include "base" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, ctx context.Context) {
				assert.Equal(t, "dev1", GetGlobal(ctx).Config.Session.ClientID)
			}, ""},

		{"include-overwrites", testBase + `
include "delay-7" {}`,
			func(t testing.TB, ctx context.Context) {
				assert.Equal(t, 7, GetGlobal(ctx).Config.Telemetry.LoopDelaySec)
			}, ""},

		{"include-normalize", testBase + `include "./empty" {}`, nil, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-missing", testBase + `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-required", ``, nil, "credentials.ca_file empty"},
		{"error-required-all", ``, nil, "session.broker empty"},
		{"error-broker", strings.Replace(testBase, "tls://broker.example:8883", "broker", 1), nil, "session.broker=broker"},
		{"error-transport", testBase + `session { transport = "carrier-pigeon" }`, nil, "session.transport=carrier-pigeon"},
		{"error-delay-range", testBase + `telemetry { loop_delay_sec = 43201 }`, nil, "loop_delay_sec=43201"},
		{"error-sensor-driver", testBase + `hardware { sensor { driver = "dht22" } }`, nil, "sensor.driver=dht22"},
		{"error-led-line", testBase + `hardware { led { gpio_chip = "/dev/gpiochip0" line = "a" } }`, nil, "hardware.led"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LInfo)
			ctx, g := NewContext(log)

			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"base":         testBase,
				"empty":        "",
				"delay-7":      "telemetry{loop_delay_sec=7}",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if err == nil {
				err = g.Init(ctx, cfg)
			}
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, ctx)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestReadConfigOs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(testBase+`include "local.hcl" {}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.hcl"), []byte(`telemetry { loop_delay_sec = 9 }`), 0o600))

	cfg, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Telemetry.LoopDelaySec)
}

func TestGlobalHardware(t *testing.T) {
	t.Parallel()

	ctx, g := NewTestContext(t, "v1.2.3", testBase+`
credentials { retry_delay_sec = 2 }
hardware { sensor { driver = "static" pressure = 98.25 } }`)
	assert.Equal(t, g, GetGlobal(ctx))
	g.Log.Errorf("counted")
	assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.LogErrors))

	s, err := g.Sensor()
	require.NoError(t, err)
	vs, err := sensor.Read(s, sensor.ChannelPressure)
	require.NoError(t, err)
	assert.Equal(t, []float64{98.25}, vs)

	ind, err := g.Indicator()
	require.NoError(t, err)
	assert.Equal(t, indicator.Noop{}, ind)

	w, err := g.Button(nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	opt, err := g.ConnectionOptions()
	require.NoError(t, err)
	assert.Equal(t, "dev1", opt.ClientID)
	assert.Equal(t, "tls://broker.example:8883", opt.BrokerURL)
	assert.NotNil(t, opt.Transport)
	assert.Equal(t, g.Metrics, opt.Metrics)

	seq := g.Sequencer(func(session.Config) (bootstrap.Session, error) { return nil, nil })
	assert.Equal(t, "/etc/sensord/ca.der", seq.CAPath)
	assert.Equal(t, DefaultCertFile, seq.CertPath)
	assert.Equal(t, 2*time.Second, seq.RetryDelay)

	assert.True(t, g.StopWait(time.Second))
}

func TestGlobalInitInvalid(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)

	err := g.Init(ctx, nil)
	assert.True(t, errors.IsNotValid(err))
	assert.Nil(t, g.Config)

	// built by hand, no defaults: transport, sensor driver and loop delay are invalid
	cfg := &Config{}
	cfg.Credentials.CAFile = "/lfs1/credentials/ca.der"
	cfg.Session.Broker = "tls://broker.example:8883"
	cfg.Session.ClientID = "dev1"
	err = g.Init(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.transport")
	assert.Nil(t, g.Config)

	cfg.Defaults()
	require.NoError(t, g.Init(ctx, cfg))
	assert.Equal(t, cfg, g.Config)
}

func TestGetGlobalPanic(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { GetGlobal(context.Background()) })
}
