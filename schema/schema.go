// Package schema implements the decomposition step shared by the RPC engine
// and the bridge: splitting a user-declared tree of functions and plain data
// into a flat method directory (dotted paths) and a residual data tree that
// contains no functions. See spec.md §4.B.
package schema

import (
	"reflect"
	"strconv"
	"strings"
)

// Tree is the user-declared schema: string keys mapping to either nested
// Trees, function values (method definitions), or opaque configuration
// data. Arrays and non-map, non-func values are opaque leaves.
type Tree = map[string]interface{}

// Decompose walks tree depth-first, removing every function-valued leaf and
// recording it under its dotted path in the returned directory. Non-function
// leaves, including empty maps, are left untouched in tree, which is
// mutated in place — the caller's tree becomes the residual schema.
//
// Decomposition is idempotent: calling Decompose again on the residual
// yields an empty directory and an unchanged tree (spec.md §8).
func Decompose(tree Tree) (directory []string, residual Tree) {
	directory, _ = DecomposeWithMethods(tree)
	return directory, tree
}

// DecomposeWithMethods is Decompose plus the removed function values
// themselves, keyed by dotted path. Callers that need to bind the
// functions (not just know their paths) — the RPC engine's local-method
// dispatcher — use this instead of Decompose.
func DecomposeWithMethods(tree Tree) (directory []string, methods map[string]interface{}) {
	methods = make(map[string]interface{})
	directory = decomposeInto(tree, "", methods)
	return directory, methods
}

func decomposeInto(node Tree, prefix string, methods map[string]interface{}) []string {
	var directory []string
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if isFunc(value) {
			directory = append(directory, path)
			methods[path] = value
			delete(node, key)
			continue
		}
		if child, ok := value.(Tree); ok {
			directory = append(directory, decomposeInto(child, path, methods)...)
		}
	}
	return directory
}

func isFunc(v interface{}) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Func
}

// IsDecomposed reports whether tree contains no function-valued leaves at
// any depth, i.e. whether decomposing it again would yield an empty
// directory.
func IsDecomposed(tree Tree) bool {
	for _, value := range tree {
		if isFunc(value) {
			return false
		}
		if child, ok := value.(Tree); ok && !IsDecomposed(child) {
			return false
		}
	}
	return true
}

// Get reads the value addressed by a dotted path from tree. A numeric path
// segment addresses a slice index, matching the proxy materialisation rule
// in spec.md §4.C / §9.
func Get(tree Tree, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = tree
	for _, seg := range segments {
		switch node := cur.(type) {
		case Tree:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at the dotted path in tree, creating intermediate Trees
// or []interface{} slices as needed. A segment that parses as a
// non-negative integer creates/grows a slice; any other segment creates a
// map.
func Set(tree Tree, path string, value interface{}) {
	segments := strings.Split(path, ".")
	setRec(tree, segments, value)
}

func setRec(container interface{}, segments []string, value interface{}) interface{} {
	seg := segments[0]
	last := len(segments) == 1

	switch node := container.(type) {
	case Tree:
		if last {
			node[seg] = value
			return node
		}
		child := node[seg]
		if child == nil {
			child = newContainerFor(segments[1])
		}
		node[seg] = setRec(child, segments[1:], value)
		return node
	case []interface{}:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 {
			// Not addressable as a slice; callers should not mix numeric
			// and non-numeric siblings under the same parent.
			return node
		}
		for idx >= len(node) {
			node = append(node, nil)
		}
		if last {
			node[idx] = value
			return node
		}
		child := node[idx]
		if child == nil {
			child = newContainerFor(segments[1])
		}
		node[idx] = setRec(child, segments[1:], value)
		return node
	default:
		return container
	}
}

func newContainerFor(nextSegment string) interface{} {
	if _, err := strconv.Atoi(nextSegment); err == nil {
		return []interface{}{}
	}
	return Tree{}
}
