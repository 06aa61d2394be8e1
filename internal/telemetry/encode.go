package telemetry

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/x448/float16"
)

// BufferSize is worst case of {"counter": float16} map.
// a1 67 "counter" f9 xx xx is 12 bytes.
const BufferSize = 13

const Key = "counter"

var ErrOverflow = errors.New("encode buffer overflow")

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic("code error cbor EncMode: " + err.Error())
	}
	return em
}()

// fixedBuffer rejects writes past its capacity.
type fixedBuffer struct {
	b [BufferSize]byte
	n int
}

func (f *fixedBuffer) Write(p []byte) (int, error) {
	if f.n+len(p) > len(f.b) {
		return 0, errors.Annotatef(ErrOverflow, "size=%d max=%d", f.n+len(p), len(f.b))
	}
	copy(f.b[f.n:], p)
	f.n += len(p)
	return len(p), nil
}

func (f *fixedBuffer) Bytes() []byte { return f.b[:f.n] }

// Half returns CBOR half-precision float. Overflow and NaN are rejected.
func Half(v float32) (cbor.RawMessage, error) {
	f := float16.Fromfloat32(v)
	if f.IsNaN() || float16.PrecisionFromfloat32(v) == float16.PrecisionOverflow {
		return nil, errors.NotValidf("float16 value=%v", v)
	}
	bits := f.Bits()
	return cbor.RawMessage{0xf9, byte(bits >> 8), byte(bits)}, nil
}

// Encoder writes into fixed buffer, zero value is ready to use.
type Encoder struct {
	buf fixedBuffer
}

// Encode returns one-entry map `{"counter": float16(value)}`.
// Returned slice is valid until the next Encode on the same encoder.
func (e *Encoder) Encode(value float64) ([]byte, error) {
	half, err := Half(float32(value))
	if err != nil {
		return nil, errors.Annotate(err, "encode")
	}
	e.buf.n = 0
	enc := encMode.NewEncoder(&e.buf)
	if err = enc.Encode(map[string]cbor.RawMessage{Key: half}); err != nil {
		return nil, errors.Annotate(err, "encode")
	}
	return e.buf.Bytes(), nil
}

// Decode reads values encoded by Encode, also accepts wider floats.
func Decode(b []byte) (map[string]float32, error) {
	m := make(map[string]float32, 1)
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, errors.Annotate(err, "decode")
	}
	return m, nil
}
