package service

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/log2"
)

type FirmwareManifest struct {
	Version string `cbor:"version"`
	State   string `cbor:"state,omitempty"`
	URL     string `cbor:"url,omitempty"`
}

// Firmware reports running version on every connect and logs desired version.
// Download and apply is done by system package manager, not here.
type Firmware struct {
	Log     *log2.Log
	Version string
	reg     connection.Registrar
}

func (f *Firmware) Name() string { return "firmware" }

func (f *Firmware) Register(r connection.Registrar) error {
	if f.Version == "" {
		return errors.NotValidf("firmware version empty")
	}
	f.reg = r
	r.Subscribe(f.onEvent)
	return r.Observe(connection.PathFirmwareWanted, f.handle)
}

func (f *Firmware) onEvent(e session.Event) {
	if e.State != session.StateConnected {
		return
	}
	b, err := cbor.Marshal(FirmwareManifest{Version: f.Version, State: "idle"})
	if err != nil {
		f.Log.Errorf("firmware report encode err=%v", err)
		return
	}
	if err = f.reg.ReplyAsync(connection.PathFirmwareActual, b, true, logDone(f.Log, "firmware report")); err != nil {
		f.Log.Errorf("firmware report err=%v", err)
	}
}

func (f *Firmware) handle(payload []byte) {
	var m FirmwareManifest
	if err := cbor.Unmarshal(payload, &m); err != nil {
		f.Log.Errorf("firmware desired payload=%x err=%v", payload, err)
		return
	}
	if m.Version == "" || m.Version == f.Version {
		f.Log.Debugf("firmware desired=%q current=%s, nothing to do", m.Version, f.Version)
		return
	}
	f.Log.Infof("firmware update available desired=%s current=%s url=%s", m.Version, f.Version, m.URL)
}
