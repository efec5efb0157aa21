package rpcmesh

import (
	"context"
	"encoding/json"

	"github.com/relaymesh/wiremesh/internal/idgen"
	"github.com/relaymesh/wiremesh/schema"
)

// ProxyFunc is the shape the engine writes at every directory path when it
// materialises a remote proxy (spec.md §4.C "Proxy materialisation").
type ProxyFunc func(ctx context.Context, args ...interface{}) (interface{}, error)

// Remote is the peer's materialised schema: a clone of its residual data
// with a ProxyFunc written at every dotted path its method directory
// named. Non-function residual data survives as ordinary tree values.
type Remote struct {
	conn      *Connection
	tree      schema.Tree
	directory []string
}

func materializeRemote(conn *Connection, directory []string, residual schema.Tree) *Remote {
	r := &Remote{conn: conn, tree: cloneTree(residual), directory: append([]string(nil), directory...)}
	for _, path := range directory {
		p := path
		schema.Set(r.tree, p, ProxyFunc(func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return r.call(ctx, p, args...)
		}))
	}
	return r
}

func cloneTree(t schema.Tree) schema.Tree {
	out := make(schema.Tree, len(t))
	for k, v := range t {
		if child, ok := v.(schema.Tree); ok {
			out[k] = cloneTree(child)
			continue
		}
		out[k] = v
	}
	return out
}

// Directory lists the dotted paths this remote proxy can invoke.
func (r *Remote) Directory() []string { return append([]string(nil), r.directory...) }

// Data returns the peer's residual (non-function) schema, with a ProxyFunc
// written at every method path. It is this Remote's own tree, not a copy:
// changes to it are seen by later Get and Call lookups but never reach the
// peer.
func (r *Remote) Data() schema.Tree { return r.tree }

// Get resolves a dotted path against the materialised tree, returning
// either a ProxyFunc (a method) or a plain configuration value.
func (r *Remote) Get(path string) (interface{}, bool) {
	return schema.Get(r.tree, path)
}

// Call invokes the named method on the peer and returns its raw result.
// It blocks until a matching RPC_RESOLVE/RPC_REJECT arrives or ctx is done.
func (r *Remote) Call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, &unknownMethodError{name: name}
	}
	proxy, ok := fn.(ProxyFunc)
	if !ok {
		return nil, &unknownMethodError{name: name}
	}
	return proxy(ctx, args...)
}

// CallInto invokes the named method and unmarshals its result into out,
// mirroring the teacher's Client.Call(&result, method, args...) ergonomics.
func (r *Remote) CallInto(ctx context.Context, out interface{}, name string, args ...interface{}) error {
	fn, ok := r.Get(name)
	if !ok {
		return &unknownMethodError{name: name}
	}
	proxy, ok := fn.(ProxyFunc)
	if !ok {
		return &unknownMethodError{name: name}
	}
	result, err := proxy(ctx, args...)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (r *Remote) call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	return r.conn.invoke(ctx, name, args...)
}

type unknownMethodError struct{ name string }

func (e *unknownMethodError) Error() string { return "rpcmesh: unknown remote method " + e.name }

// newCallID returns a fresh random callID for one invocation. invoke does
// not check it against the calls already in the pending table.
func newCallID() string { return idgen.Default() }
