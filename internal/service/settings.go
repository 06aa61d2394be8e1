package service

import (
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/log2"
)

const KeyLoopDelay = "LOOP_DELAY_S"

type IntervalSetter interface {
	SetInterval(sec int) error
	IntervalSec() int
}

// Settings applies cloud pushed settings, replies with per-key status.
type Settings struct {
	Log  *log2.Log
	Loop IntervalSetter

	reg connection.Registrar
}

func (s *Settings) Name() string { return "settings" }

func (s *Settings) Register(r connection.Registrar) error {
	if s.Loop == nil {
		return errors.NotValidf("code error settings Loop=nil")
	}
	s.reg = r
	return r.Observe(connection.PathSettings, s.handle)
}

func (s *Settings) handle(payload []byte) {
	m, err := decodeMap(payload)
	if err != nil {
		s.Log.Errorf("settings payload=%x err=%v", payload, err)
		return
	}
	status := s.Apply(m)
	b, err := cbor.Marshal(status)
	if err != nil {
		s.Log.Errorf("settings status encode err=%v", err)
		return
	}
	if err = s.reg.ReplyAsync(connection.PathSettingsStatus, b, false, logDone(s.Log, "settings status")); err != nil {
		s.Log.Errorf("settings status err=%v", err)
	}
}

// Apply returns status for every key.
func (s *Settings) Apply(m map[string]interface{}) map[string]Status {
	status := make(map[string]Status, len(m))
	for k, v := range m {
		switch k {
		case KeyLoopDelay:
			n, ok := toInt(v)
			if !ok {
				s.Log.Errorf("settings %s=%v not integer", k, v)
				status[k] = StatusInvalidArgument
				continue
			}
			if n < math.MinInt32 || n > math.MaxInt32 {
				s.Log.Errorf("settings %s=%d out of range", k, n)
				status[k] = StatusValueOutOfRange
				continue
			}
			if err := s.Loop.SetInterval(int(n)); err != nil {
				s.Log.Errorf("settings %s err=%v", k, err)
				status[k] = StatusValueOutOfRange
				continue
			}
			status[k] = StatusOK
		default:
			s.Log.Debugf("settings unknown key=%s", k)
			status[k] = StatusKeyNotRecognized
		}
	}
	return status
}
