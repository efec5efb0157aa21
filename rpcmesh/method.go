package rpcmesh

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

var remoteType = reflect.TypeOf((*Remote)(nil))
var errorType = reflect.TypeOf((*error)(nil)).Elem()
var transferableType = reflect.TypeOf((*Transferable)(nil))

// boundMethod reflects over an arbitrary Go func value registered in a
// schema so the dispatcher can invoke it with JSON-decoded positional
// arguments, appending the caller's remote proxy as the function's final
// argument when (and only when) the function declares one (spec.md §4.C:
// "invokes the local function with the received args and the caller-side
// remote proxy appended as a final argument").
type boundMethod struct {
	fn          reflect.Value
	argTypes    []reflect.Type
	wantsRemote bool
	numOut      int
	errOut      bool
}

func bindMethod(fn interface{}) (*boundMethod, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, errors.Errorf("schema leaf %T is not a function", fn)
	}
	t := v.Type()

	n := t.NumIn()
	wantsRemote := n > 0 && t.In(n-1) == remoteType
	argCount := n
	if wantsRemote {
		argCount = n - 1
	}
	argTypes := make([]reflect.Type, argCount)
	for i := 0; i < argCount; i++ {
		argTypes[i] = t.In(i)
	}

	numOut := t.NumOut()
	errOut := numOut > 0 && t.Out(numOut-1) == errorType

	return &boundMethod{
		fn:          v,
		argTypes:    argTypes,
		wantsRemote: wantsRemote,
		numOut:      numOut,
		errOut:      errOut,
	}, nil
}

// call decodes raw (a JSON array of positional arguments) into the method's
// declared parameter types, resolving any transferred buffers, invokes it
// with remote appended when wanted, and returns the result and/or error.
func (m *boundMethod) call(raw json.RawMessage, transfer [][]byte, remote *Remote) (interface{}, error) {
	args, err := decodeArgs(raw, transfer, m.argTypes)
	if err != nil {
		return nil, err
	}
	if m.wantsRemote {
		args = append(args, reflect.ValueOf(remote))
	}

	outs := m.fn.Call(args)
	return splitResults(outs, m.numOut, m.errOut)
}

func decodeArgs(raw json.RawMessage, transfer [][]byte, argTypes []reflect.Type) ([]reflect.Value, error) {
	var rawArgs []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rawArgs); err != nil {
			return nil, errors.Wrap(err, "decode positional arguments")
		}
	}
	args := make([]reflect.Value, len(argTypes))
	for i, t := range argTypes {
		if t == transferableType {
			var ref struct {
				Ref int `json:"__transferRef"`
			}
			if i < len(rawArgs) {
				if err := json.Unmarshal(rawArgs[i], &ref); err != nil {
					return nil, errors.Wrapf(err, "decode transferable argument %d", i)
				}
			}
			if ref.Ref < 0 || ref.Ref >= len(transfer) {
				return nil, errors.Errorf("transfer reference %d out of range", ref.Ref)
			}
			args[i] = reflect.ValueOf(&Transferable{Data: transfer[ref.Ref]})
			continue
		}
		ptr := reflect.New(t)
		if i < len(rawArgs) {
			if err := json.Unmarshal(rawArgs[i], ptr.Interface()); err != nil {
				return nil, errors.Wrapf(err, "decode argument %d", i)
			}
		}
		args[i] = ptr.Elem()
	}
	return args, nil
}

func splitResults(outs []reflect.Value, numOut int, errOut bool) (interface{}, error) {
	switch numOut {
	case 0:
		return nil, nil
	case 1:
		if errOut {
			return nil, asError(outs[0])
		}
		return outs[0].Interface(), nil
	case 2:
		return outs[0].Interface(), asError(outs[1])
	default:
		return nil, fmt.Errorf("method has unsupported return arity %d", numOut)
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
