// Package bootstrap waits for device credentials, builds session configuration
// and brings up the connection.
package bootstrap

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensord/helpers"
	"github.com/temoto/sensord/internal/credential"
	"github.com/temoto/sensord/internal/session"
	"github.com/temoto/sensord/log2"
)

const DefaultRetryDelay = 5 * time.Second

var (
	// Credentials loaded but session can not be built. Not retried.
	ErrFatalConfig = errors.New("fatal configuration")
	// MaxAttempts reached, only with test hook.
	ErrGaveUp = errors.New("credential attempts exhausted")
)

// Session is started connection with first-connect latch.
type Session interface {
	Start() error
	WaitConnected(ctx context.Context) error
}

type BuildFunc func(ca, secondaryCA, cert, key credential.Blob) (session.Config, error)
type CreateFunc func(session.Config) (Session, error)
type SleepFunc func(ctx context.Context, d time.Duration) error

type Sequencer struct {
	Log *log2.Log

	CAPath          string
	SecondaryCAPath string // optional
	CertPath        string
	KeyPath         string

	RetryDelay time.Duration
	// Test hook, 0 = retry forever.
	MaxAttempts int

	Load   credential.LoadFunc
	Sleep  SleepFunc
	Build  BuildFunc
	Create CreateFunc

	cert credential.Slot
	key  credential.Slot
}

func (s *Sequencer) defaults() {
	if s.RetryDelay == 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.Load == nil {
		s.Load = credential.Load
	}
	if s.Sleep == nil {
		s.Sleep = helpers.Sleep
	}
	if s.Build == nil {
		s.Build = session.Build
	}
	s.cert.Name = "cert"
	s.key.Name = "key"
}

// Run blocks until first connect. Errors:
// - ErrFatalConfig (check with errors.Cause) if session could not be created
// - ctx.Err() if context is done first
// - ErrGaveUp with MaxAttempts test hook
func (s *Sequencer) Run(ctx context.Context) (Session, error) {
	if s.Create == nil {
		return nil, errors.NotValidf("code error bootstrap.Sequencer.Create=nil")
	}
	s.defaults()

	// CA is part of firmware image, no reason to wait for it
	var ca, secondaryCA credential.Blob
	var err error
	if ca, err = s.Load(s.CAPath); err != nil {
		return nil, errors.Wrapf(err, ErrFatalConfig, "ca path=%s: %v", s.CAPath, err)
	}
	if s.SecondaryCAPath != "" {
		if secondaryCA, err = s.Load(s.SecondaryCAPath); err != nil {
			s.Log.Errorf("secondary ca path=%s err=%v", s.SecondaryCAPath, err)
		}
	}

	if err = s.waitCredentials(ctx); err != nil {
		return nil, err
	}

	cert, key := s.cert.Blob(), s.key.Blob()
	if cert.IsEmpty() || key.IsEmpty() {
		return nil, errors.Wrapf(nil, ErrFatalConfig, "credentials empty after load")
	}
	cfg, err := s.Build(ca, secondaryCA, cert, key)
	if err != nil {
		return nil, errors.Wrapf(err, ErrFatalConfig, "session config: %v", err)
	}
	sess, err := s.Create(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, ErrFatalConfig, "session create: %v", err)
	}
	if err = sess.Start(); err != nil {
		return nil, errors.Wrapf(err, ErrFatalConfig, "session start: %v", err)
	}
	s.Log.Infof("session started, waiting for connection")
	if err = sess.WaitConnected(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Certificate and key are loaded together. Key failure re-reads certificate too.
func (s *Sequencer) waitCredentials(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.cert.Load(s.Load, s.CertPath)
		if err == nil {
			err = s.key.Load(s.Load, s.KeyPath)
		}
		if err == nil {
			s.Log.Debugf("credentials loaded attempt=%d cert=%d key=%d bytes", attempt, s.cert.Blob().Len(), s.key.Blob().Len())
			return nil
		}

		if s.MaxAttempts > 0 && attempt >= s.MaxAttempts {
			return errors.Wrapf(err, ErrGaveUp, "attempt=%d: %v", attempt, err)
		}
		s.Log.Errorf("credentials err=%v retry in %v", err, s.RetryDelay)
		if err = s.Sleep(ctx, s.RetryDelay); err != nil {
			return err
		}
	}
}
