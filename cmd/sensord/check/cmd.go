// Package check loads credentials once and validates session TLS setup without connecting.
package check

import (
	"context"
	"net/url"

	"github.com/juju/errors"
	"github.com/temoto/sensord/cmd/sensord/subcmd"
	"github.com/temoto/sensord/internal/credential"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/state"
)

var Mod = subcmd.Mod{Name: "check", Usage: "validate config and credentials, do not connect", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return err
	}
	cfg, err := Credentials(config, credential.Load)
	if err != nil {
		return err
	}
	u, err := url.Parse(config.Session.Broker)
	if err != nil {
		return errors.Annotatef(err, "config session.broker=%s", config.Session.Broker)
	}
	if _, err = cfg.TLS(u.Hostname()); err != nil {
		return err
	}
	g.Log.Infof("check ok auth=%s client_id=%s broker=%s cert=%dB key=%dB",
		cfg.AuthMode(), config.Session.ClientID, config.Session.Broker, cfg.ClientCert().Len(), cfg.ClientKey().Len())
	return nil
}

// Credentials loads every configured file once and builds session config.
func Credentials(config *state.Config, load credential.LoadFunc) (session.Config, error) {
	c := &config.Credentials
	var blobs [4]credential.Blob
	paths := [4]string{c.CAFile, c.SecondaryCAFile, c.CertFile, c.KeyFile}
	for i, path := range paths {
		if path == "" {
			continue
		}
		b, err := load(path)
		if err != nil {
			return session.Config{}, errors.Annotatef(err, "credential path=%s", path)
		}
		blobs[i] = b
	}
	return session.Build(blobs[0], blobs[1], blobs[2], blobs[3])
}
