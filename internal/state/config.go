package state

import (
	"net/url"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/sensord/helpers"
	"github.com/temoto/sensord/internal/telemetry"
	"github.com/temoto/sensord/log2"
)

const (
	DefaultCertFile = "/lfs1/credentials/crt.der"
	DefaultKeyFile  = "/lfs1/credentials/key.der"

	TransportGomqtt = "gomqtt"
	TransportPaho   = "paho"

	SensorBMxx80 = "bmxx80"
	SensorStatic = "static"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Credentials struct {
		CertFile        string `hcl:"cert_file"`
		KeyFile         string `hcl:"key_file"`
		CAFile          string `hcl:"ca_file"`
		SecondaryCAFile string `hcl:"secondary_ca_file"`
		RetryDelaySec   int    `hcl:"retry_delay_sec"`
	} `hcl:"credentials"`

	Session struct {
		Transport         string `hcl:"transport"`
		Broker            string `hcl:"broker"`
		ClientID          string `hcl:"client_id"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
		PublishTimeoutSec int    `hcl:"publish_timeout_sec"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"session"`

	Telemetry struct {
		LoopDelaySec int    `hcl:"loop_delay_sec"`
		StreamPath   string `hcl:"stream_path"`
	} `hcl:"telemetry"`

	Hardware struct {
		Sensor struct {
			Driver  string `hcl:"driver"`
			I2CBus  string `hcl:"i2c_bus"`
			I2CAddr int    `hcl:"i2c_addr"`
			// static driver values
			Pressure    float64 `hcl:"pressure"`
			Temperature float64 `hcl:"temperature"`
		} `hcl:"sensor"`
		LED    PinConfig `hcl:"led"`
		Button PinConfig `hcl:"button"`
	} `hcl:"hardware"`

	Metrics struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// PinConfig with empty GpioChip means not connected.
type PinConfig struct {
	GpioChip  string `hcl:"gpio_chip"`
	Line      string `hcl:"line"`
	ActiveLow bool   `hcl:"active_low"`
}

func (p PinConfig) Enabled() bool { return p.GpioChip != "" }

func (p PinConfig) LineNumber() (uint32, error) {
	n, err := strconv.ParseUint(p.Line, 10, 32)
	if err != nil {
		return 0, errors.NotValidf("gpio line=%q", p.Line)
	}
	return uint32(n), nil
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Defaults fills zero values. Called by ReadConfig.
func (c *Config) Defaults() {
	if c.Credentials.CertFile == "" {
		c.Credentials.CertFile = DefaultCertFile
	}
	if c.Credentials.KeyFile == "" {
		c.Credentials.KeyFile = DefaultKeyFile
	}
	if c.Session.Transport == "" {
		c.Session.Transport = TransportGomqtt
	}
	if c.Telemetry.LoopDelaySec == 0 {
		c.Telemetry.LoopDelaySec = telemetry.DefaultInterval
	}
	if c.Telemetry.StreamPath == "" {
		c.Telemetry.StreamPath = telemetry.DefaultPath
	}
	if c.Hardware.Sensor.Driver == "" {
		c.Hardware.Sensor.Driver = SensorBMxx80
	}
	if c.Hardware.Sensor.I2CAddr == 0 {
		c.Hardware.Sensor.I2CAddr = 0x76
	}
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if c.Credentials.CAFile == "" {
		errs = append(errs, errors.NotValidf("config credentials.ca_file empty"))
	}
	if c.Session.ClientID == "" {
		errs = append(errs, errors.NotValidf("config session.client_id empty"))
	}
	if c.Session.Broker == "" {
		errs = append(errs, errors.NotValidf("config session.broker empty"))
	} else if u, err := url.Parse(c.Session.Broker); err != nil || u.Host == "" {
		errs = append(errs, errors.NotValidf("config session.broker=%s", c.Session.Broker))
	}
	switch c.Session.Transport {
	case TransportGomqtt, TransportPaho:
	default:
		errs = append(errs, errors.NotValidf("config session.transport=%s valid: %s, %s", c.Session.Transport, TransportGomqtt, TransportPaho))
	}
	if d := c.Telemetry.LoopDelaySec; d < telemetry.MinInterval || d > telemetry.MaxInterval {
		errs = append(errs, errors.NotValidf("config telemetry.loop_delay_sec=%d range %d..%d", d, telemetry.MinInterval, telemetry.MaxInterval))
	}
	if k := c.Session.KeepaliveSec; k < 0 || k > 0xffff {
		errs = append(errs, errors.NotValidf("config session.keepalive_sec=%d", k))
	}
	switch c.Hardware.Sensor.Driver {
	case SensorBMxx80, SensorStatic:
	default:
		errs = append(errs, errors.NotValidf("config hardware.sensor.driver=%s valid: %s, %s", c.Hardware.Sensor.Driver, SensorBMxx80, SensorStatic))
	}
	for name, pin := range map[string]PinConfig{"led": c.Hardware.LED, "button": c.Hardware.Button} {
		if !pin.Enabled() {
			continue
		}
		if _, err := pin.LineNumber(); err != nil {
			errs = append(errs, errors.Annotatef(err, "config hardware.%s", name))
		}
	}
	return helpers.FoldErrors(errs)
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	c.Defaults()
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
