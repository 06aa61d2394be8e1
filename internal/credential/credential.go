// Package credential reads certificate and key material from device storage.
package credential

import (
	"io"
	"os"

	"github.com/juju/errors"
)

// Larger file is not a credential, most likely a broken mount.
const MaxSize = 64 << 10

var (
	ErrNotFound   = errors.New("credential not found")
	ErrWrongType  = errors.New("credential is not a regular file")
	ErrEmpty      = errors.New("credential is empty")
	ErrReadFailed = errors.New("credential read failed")
)

// Blob owns raw credential bytes.
// Zero Blob is empty and valid.
type Blob struct {
	b []byte
}

func NewBlob(b []byte) Blob { return Blob{b: b} }

func (b Blob) Bytes() []byte { return b.b }
func (b Blob) Len() int      { return len(b.b) }
func (b Blob) IsEmpty() bool { return len(b.b) == 0 }

// Wipe zeroes the buffer. Blob must not be used after Wipe.
func (b *Blob) Wipe() {
	for i := range b.b {
		b.b[i] = 0
	}
	b.b = nil
}

type LoadFunc func(path string) (Blob, error)

// Load returns fresh buffer with exact file content.
// Errors: ErrNotFound, ErrWrongType, ErrEmpty, ErrReadFailed, check with errors.Cause().
func Load(path string) (Blob, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Blob{}, errors.Wrapf(err, ErrNotFound, "path=%s stat: %v", path, err)
	}
	if !fi.Mode().IsRegular() {
		return Blob{}, errors.Wrapf(nil, ErrWrongType, "path=%s mode=%s", path, fi.Mode())
	}
	size := fi.Size()
	if size == 0 {
		return Blob{}, errors.Wrapf(nil, ErrEmpty, "path=%s", path)
	}
	if size > MaxSize {
		return Blob{}, errors.Wrapf(nil, ErrReadFailed, "path=%s size=%d max=%d", path, size, MaxSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return Blob{}, errors.Wrapf(err, ErrReadFailed, "path=%s open: %v", path, err)
	}
	defer f.Close()

	blob := Blob{b: make([]byte, size)}
	if _, err = io.ReadFull(f, blob.b); err != nil {
		blob.Wipe()
		return Blob{}, errors.Wrapf(err, ErrReadFailed, "path=%s size=%d read: %v", path, size, err)
	}
	return blob, nil
}

// Slot keeps one credential kind for process lifetime.
// Owned by single goroutine, no locking.
type Slot struct {
	Name string
	blob Blob
}

// Load replaces content only on success, previous buffer is wiped first.
// On error slot content is unchanged.
func (s *Slot) Load(load LoadFunc, path string) error {
	if load == nil {
		load = Load
	}
	b, err := load(path)
	if err != nil {
		return errors.Annotatef(err, "credential slot=%s", s.Name)
	}
	s.Replace(b)
	return nil
}

func (s *Slot) Replace(b Blob) {
	s.blob.Wipe()
	s.blob = b
}

func (s *Slot) Blob() Blob { return s.blob }
