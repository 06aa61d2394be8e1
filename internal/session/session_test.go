package session_test

import (
	"crypto/tls"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensord/internal/credential"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/internal/session/sessiontest"
)

func TestBuild(t *testing.T) {
	t.Parallel()
	creds := sessiontest.New(t, "dev1")

	cases := []struct {
		name           string
		ca, cert, key  credential.Blob
		expectComplete bool
	}{
		{"ok", creds.CA, creds.Cert, creds.Key, true},
		{"no-ca", credential.Blob{}, creds.Cert, creds.Key, false},
		{"no-cert", creds.CA, credential.Blob{}, creds.Key, false},
		{"no-key", creds.CA, creds.Cert, credential.NewBlob([]byte{}), false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := session.Build(c.ca, credential.Blob{}, c.cert, c.key)
			if !c.expectComplete {
				require.Error(t, err)
				assert.Equal(t, session.ErrIncomplete, errors.Cause(err))
				assert.False(t, cfg.IsValid())
				assert.Equal(t, session.AuthModeInvalid, cfg.AuthMode())
				return
			}
			require.NoError(t, err)
			assert.True(t, cfg.IsValid())
			assert.Equal(t, "certificate", cfg.AuthMode().String())
			assert.True(t, cfg.SecondaryCA().IsEmpty())
		})
	}
}

func TestTLS(t *testing.T) {
	t.Parallel()
	creds := sessiontest.New(t, "dev1")
	other := sessiontest.New(t, "dev2")

	for _, c := range []struct {
		name  string
		creds sessiontest.Credentials
	}{{"der", creds}, {"pem", creds.PEM()}} {
		cfg := c.creds.Config(t)
		tc, err := cfg.TLS("broker.example")
		require.NoError(t, err, c.name)
		assert.Equal(t, "broker.example", tc.ServerName)
		assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)
		require.Equal(t, 1, len(tc.Certificates))
		assert.Equal(t, "dev1", tc.Certificates[0].Leaf.Subject.CommonName)
	}

	// secondary CA in PEM with primary in DER
	cfg, err := session.Build(creds.CA, other.PEM().CA, creds.Cert, creds.Key)
	require.NoError(t, err)
	_, err = cfg.TLS("")
	require.NoError(t, err)

	mismatch, err := session.Build(creds.CA, credential.Blob{}, creds.Cert, other.Key)
	require.NoError(t, err)
	_, err = mismatch.TLS("")
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(errors.Cause(err)), err.Error())

	garbage, err := session.Build(creds.CA, credential.Blob{}, creds.Cert, credential.NewBlob([]byte("garbage")))
	require.NoError(t, err)
	_, err = garbage.TLS("")
	require.Error(t, err)

	_, err = session.Config{}.TLS("")
	assert.Equal(t, session.ErrIncomplete, errors.Cause(err))
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "connected", session.StateConnected.String())
	assert.Equal(t, "state(9)", session.State(9).String())
}
