package service

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/log2"
)

// State mirrors desired state into reported state.
type State struct {
	Log *log2.Log
	reg connection.Registrar
}

func (s *State) Name() string { return "state" }

func (s *State) Register(r connection.Registrar) error {
	s.reg = r
	return r.Observe(connection.PathStateDesired, s.handle)
}

func (s *State) handle(payload []byte) {
	m, err := decodeMap(payload)
	if err != nil {
		s.Log.Errorf("state desired payload=%x err=%v", payload, err)
		return
	}
	if len(m) == 0 {
		s.Log.Debugf("state desired empty")
		return
	}
	s.Log.Infof("state desired=%v", m)
	b, err := cbor.Marshal(m)
	if err != nil {
		s.Log.Errorf("state reported encode err=%v", err)
		return
	}
	if err = s.reg.ReplyAsync(connection.PathStateReported, b, true, logDone(s.Log, "state reported")); err != nil {
		s.Log.Errorf("state reported err=%v", err)
	}
}
