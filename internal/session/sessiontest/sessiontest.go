// Package sessiontest generates throwaway credentials for tests.
package sessiontest

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/temoto/sensord/internal/credential"
	"github.com/temoto/sensord/internal/session"
)

type Credentials struct {
	CA   credential.Blob
	Cert credential.Blob
	Key  credential.Blob

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// New returns DER encoded CA, client certificate signed by CA and client key.
func New(t testing.TB, commonName string) Credentials {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return Credentials{
		CA:     credential.NewBlob(caDER),
		Cert:   credential.NewBlob(certDER),
		Key:    credential.NewBlob(keyDER),
		caCert: caCert,
		caKey:  caKey,
	}
}

// ServerTLS returns broker side config for 127.0.0.1 and localhost,
// signed by the same CA and requiring client certificate.
func (c Credentials) ServerTLS(t testing.TB) *tls.Config {
	require.NotNil(t, c.caKey, "ServerTLS requires Credentials from New")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "test-broker"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, c.caCert, &key.PublicKey, c.caKey)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(c.caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
}

// PEM returns the same credentials in PEM form.
func (c Credentials) PEM() Credentials {
	enc := func(typ string, b credential.Blob) credential.Blob {
		return credential.NewBlob(pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: b.Bytes()}))
	}
	return Credentials{
		CA:     enc("CERTIFICATE", c.CA),
		Cert:   enc("CERTIFICATE", c.Cert),
		Key:    enc("PRIVATE KEY", c.Key),
		caCert: c.caCert,
		caKey:  c.caKey,
	}
}

func (c Credentials) Config(t testing.TB) session.Config {
	cfg, err := session.Build(c.CA, credential.Blob{}, c.Cert, c.Key)
	require.NoError(t, err)
	return cfg
}
