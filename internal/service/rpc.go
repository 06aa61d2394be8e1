package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/log2"
)

type RPCRequest struct {
	ID     string        `cbor:"id"`
	Method string        `cbor:"method"`
	Params []interface{} `cbor:"params"`
}

type RPCResponse struct {
	ID     string      `cbor:"id"`
	Status Status      `cbor:"status_code"`
	Detail interface{} `cbor:"detail,omitempty"`
}

// RPCFunc returns detail for successful call.
// Errors satisfying errors.IsNotValid are reported as invalid argument.
type RPCFunc func(params []interface{}) (interface{}, error)

type RPC struct {
	Log *log2.Log
	reg connection.Registrar
	fns map[string]RPCFunc
}

func NewRPC(log *log2.Log) *RPC {
	return &RPC{Log: log, fns: make(map[string]RPCFunc)}
}

func (r *RPC) Name() string { return "rpc" }

// Handle adds method, must be called before Register.
func (r *RPC) Handle(method string, fn RPCFunc) { r.fns[method] = fn }

func (r *RPC) Methods() []string {
	ms := make([]string, 0, len(r.fns))
	for m := range r.fns {
		ms = append(ms, m)
	}
	sort.Strings(ms)
	return ms
}

func (r *RPC) Register(reg connection.Registrar) error {
	r.reg = reg
	return reg.Observe(connection.PathRPC, r.handle)
}

func (r *RPC) handle(payload []byte) {
	var req RPCRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		r.Log.Errorf("rpc payload=%x err=%v", payload, err)
		return
	}
	resp := r.Call(req)
	b, err := cbor.Marshal(resp)
	if err != nil {
		r.Log.Errorf("rpc id=%s response encode err=%v", req.ID, err)
		return
	}
	if err = r.reg.ReplyAsync(connection.PathRPCStatus, b, false, logDone(r.Log, "rpc status id="+req.ID)); err != nil {
		r.Log.Errorf("rpc id=%s status err=%v", req.ID, err)
	}
}

func (r *RPC) Call(req RPCRequest) RPCResponse {
	resp := RPCResponse{ID: req.ID}
	fn, ok := r.fns[req.Method]
	if !ok {
		r.Log.Errorf("rpc id=%s method=%s not implemented", req.ID, req.Method)
		resp.Status = StatusUnimplemented
		return resp
	}
	detail, err := fn(req.Params)
	switch {
	case err == nil:
		resp.Status = StatusOK
		resp.Detail = detail
	case errors.IsNotValid(err):
		resp.Status = StatusInvalidArgument
		resp.Detail = err.Error()
	default:
		resp.Status = StatusInternal
		resp.Detail = err.Error()
	}
	r.Log.Infof("rpc id=%s method=%s status=%d", req.ID, req.Method, resp.Status)
	return resp
}

// SetLogLevel takes level name or number.
func SetLogLevel(target *log2.Log) RPCFunc {
	return func(params []interface{}) (interface{}, error) {
		if len(params) != 1 {
			return nil, errors.NotValidf("params count=%d expected=1", len(params))
		}
		var s string
		switch x := params[0].(type) {
		case string:
			s = x
		default:
			n, ok := toInt(x)
			if !ok {
				return nil, errors.NotValidf("level=%v", x)
			}
			s = fmt.Sprint(n)
		}
		level, err := log2.ParseLevel(s)
		if err != nil {
			return nil, errors.NewNotValid(err, "level")
		}
		target.SetLevel(level)
		return level.String(), nil
	}
}

func GetLoopDelay(loop IntervalSetter) RPCFunc {
	return func([]interface{}) (interface{}, error) {
		return loop.IntervalSec(), nil
	}
}

// Reboot replies first, then calls fn after delay.
func Reboot(delay time.Duration, fn func()) RPCFunc {
	return func([]interface{}) (interface{}, error) {
		time.AfterFunc(delay, fn)
		return "rebooting", nil
	}
}
