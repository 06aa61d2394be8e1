// Package service holds cloud features registered on connection:
// settings, desired state mirror, remote procedure calls, firmware version.
package service

import (
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/sensord/log2"
)

// Status codes shared by settings and rpc replies.
type Status uint8

const (
	StatusOK               Status = 0
	StatusKeyNotRecognized Status = 1
	StatusInvalidArgument  Status = 3
	StatusValueOutOfRange  Status = 4
	StatusUnimplemented    Status = 12
	StatusInternal         Status = 13
)

func decodeMap(b []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, errors.Annotate(err, "decode")
	}
	return m, nil
}

// toInt accepts CBOR integers and integral floats.
func toInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case float32:
		return toInt(float64(x))
	}
	return 0, false
}

// logDone is publish completion callback that only logs failure.
func logDone(log *log2.Log, tag string) func(error) {
	return func(err error) {
		if err != nil {
			log.Errorf("%s err=%v", tag, err)
		}
	}
}
