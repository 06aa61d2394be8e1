package session

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"

	"github.com/juju/errors"
)

// TLS returns mutual authentication client config.
// Credentials may be DER (device provisioning default) or PEM.
func (c Config) TLS(serverName string) (*tls.Config, error) {
	if !c.IsValid() {
		return nil, errors.Annotate(ErrIncomplete, "TLS")
	}

	pool := x509.NewCertPool()
	if err := appendCerts(pool, c.caCert.Bytes()); err != nil {
		return nil, errors.Annotate(err, "TLS ca")
	}
	if !c.secondaryCA.IsEmpty() {
		if err := appendCerts(pool, c.secondaryCA.Bytes()); err != nil {
			return nil, errors.Annotate(err, "TLS secondary ca")
		}
	}

	chain, err := certChain(c.clientCert.Bytes())
	if err != nil {
		return nil, errors.Annotate(err, "TLS client cert")
	}
	key, err := privateKey(c.clientKey.Bytes())
	if err != nil {
		return nil, errors.Annotate(err, "TLS client key")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, errors.Annotate(err, "TLS client cert parse")
	}
	if !publicKeyMatches(leaf.PublicKey, key) {
		return nil, errors.NotValidf("TLS client key does not match certificate subject=%s", leaf.Subject)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: chain, PrivateKey: key, Leaf: leaf}},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func isPEM(b []byte) bool {
	block, _ := pem.Decode(b)
	return block != nil
}

func appendCerts(pool *x509.CertPool, b []byte) error {
	chain, err := certChain(b)
	if err != nil {
		return err
	}
	for _, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return errors.Trace(err)
		}
		pool.AddCert(cert)
	}
	return nil
}

// certChain returns DER blocks in file order.
func certChain(b []byte) ([][]byte, error) {
	if !isPEM(b) {
		return [][]byte{b}, nil
	}
	chain := make([][]byte, 0, 2)
	for rest := b; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, errors.NotFoundf("PEM CERTIFICATE block")
	}
	return chain, nil
}

func privateKey(b []byte) (crypto.Signer, error) {
	der := b
	if block, _ := pem.Decode(b); block != nil {
		der = block.Bytes
	}
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
		return nil, errors.NotSupportedf("private key type %T", k)
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errors.NotValidf("private key (tried PKCS8, EC, PKCS1)")
}

func publicKeyMatches(pub crypto.PublicKey, key crypto.Signer) bool {
	switch p := pub.(type) {
	case *ecdsa.PublicKey:
		return p.Equal(key.Public())
	case *rsa.PublicKey:
		return p.Equal(key.Public())
	case ed25519.PublicKey:
		return p.Equal(key.Public())
	}
	return false
}
