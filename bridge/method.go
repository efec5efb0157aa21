package bridge

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// boundMethod binds a plain Go func declared in a bridge schema. Unlike the
// RPC engine's boundMethod, bridge methods have no remote-proxy parameter
// and no transferable arguments: a broadcast fans the same JSON args out to
// every peer's copy of the method verbatim (spec.md §4.D).
type boundMethod struct {
	fn       reflect.Value
	argTypes []reflect.Type
	numOut   int
	errOut   bool
}

func bindMethod(fn interface{}) (*boundMethod, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, errors.Errorf("schema leaf %T is not a function", fn)
	}
	t := v.Type()

	argTypes := make([]reflect.Type, t.NumIn())
	for i := range argTypes {
		argTypes[i] = t.In(i)
	}

	numOut := t.NumOut()
	errOut := numOut > 0 && t.Out(numOut-1) == errorType

	return &boundMethod{fn: v, argTypes: argTypes, numOut: numOut, errOut: errOut}, nil
}

func (m *boundMethod) call(raw json.RawMessage) (interface{}, error) {
	var rawArgs []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rawArgs); err != nil {
			return nil, errors.Wrap(err, "decode positional arguments")
		}
	}
	args := make([]reflect.Value, len(m.argTypes))
	for i, t := range m.argTypes {
		ptr := reflect.New(t)
		if i < len(rawArgs) {
			if err := json.Unmarshal(rawArgs[i], ptr.Interface()); err != nil {
				return nil, errors.Wrapf(err, "decode argument %d", i)
			}
		}
		args[i] = ptr.Elem()
	}

	outs := m.fn.Call(args)
	switch m.numOut {
	case 0:
		return nil, nil
	case 1:
		if m.errOut {
			return nil, asError(outs[0])
		}
		return outs[0].Interface(), nil
	case 2:
		return outs[0].Interface(), asError(outs[1])
	default:
		return nil, errors.Errorf("method has unsupported return arity %d", m.numOut)
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
