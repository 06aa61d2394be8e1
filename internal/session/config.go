// Package session holds immutable cloud session configuration
// and the transport contract implemented by MQTT backends.
package session

import (
	"github.com/juju/errors"
	"github.com/temoto/sensord/internal/credential"
)

type AuthMode uint8

const (
	AuthModeInvalid AuthMode = iota
	AuthModeCertificate
)

func (m AuthMode) String() string {
	switch m {
	case AuthModeCertificate:
		return "certificate"
	}
	return "invalid"
}

var ErrIncomplete = errors.New("session configuration incomplete")

// Config is built once, after that credential buffers are read-only for process lifetime.
type Config struct {
	caCert      credential.Blob
	secondaryCA credential.Blob
	clientCert  credential.Blob
	clientKey   credential.Blob
	authMode    AuthMode
}

// Build requires CA, client certificate and key. Secondary CA is optional, zero Blob disables it.
func Build(ca, secondaryCA, cert, key credential.Blob) (Config, error) {
	missing := make([]string, 0, 3)
	if ca.IsEmpty() {
		missing = append(missing, "ca")
	}
	if cert.IsEmpty() {
		missing = append(missing, "client_cert")
	}
	if key.IsEmpty() {
		missing = append(missing, "client_key")
	}
	if len(missing) != 0 {
		return Config{}, errors.Annotatef(ErrIncomplete, "missing=%v", missing)
	}
	return Config{
		caCert:      ca,
		secondaryCA: secondaryCA,
		clientCert:  cert,
		clientKey:   key,
		authMode:    AuthModeCertificate,
	}, nil
}

func (c Config) CACert() credential.Blob      { return c.caCert }
func (c Config) SecondaryCA() credential.Blob { return c.secondaryCA }
func (c Config) ClientCert() credential.Blob  { return c.clientCert }
func (c Config) ClientKey() credential.Blob   { return c.clientKey }
func (c Config) AuthMode() AuthMode           { return c.authMode }
func (c Config) IsValid() bool                { return c.authMode == AuthModeCertificate }
