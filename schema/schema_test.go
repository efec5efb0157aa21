package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeFlattensNestedFunctions(t *testing.T) {
	tree := Tree{
		"math": Tree{
			"add": func(a, b int) int { return a + b },
			"sub": func(a, b int) int { return a - b },
		},
		"bias":   func() int { return 1 },
		"config": Tree{"retries": 3},
		"name":   "guest",
	}

	directory, residual := Decompose(tree)

	assert.ElementsMatch(t, []string{"math.add", "math.sub", "bias"}, directory)
	assert.Equal(t, Tree{"config": Tree{"retries": 3}, "name": "guest", "math": Tree{}}, residual)
}

func TestDecomposeIsIdempotent(t *testing.T) {
	tree := Tree{
		"x": func() {},
		"y": Tree{"z": 1},
	}
	first, residual := Decompose(tree)
	require.Len(t, first, 1)

	second, residualAgain := Decompose(residual)
	assert.Empty(t, second)
	assert.Equal(t, residual, residualAgain)
	assert.True(t, IsDecomposed(residualAgain))
}

func TestDecomposeTreatsArraysAsOpaque(t *testing.T) {
	tree := Tree{
		"list": []interface{}{1, 2, 3},
	}
	directory, residual := Decompose(tree)
	assert.Empty(t, directory)
	assert.Equal(t, []interface{}{1, 2, 3}, residual["list"])
}

func TestGetSetDottedPaths(t *testing.T) {
	tree := Tree{}
	Set(tree, "math.add", "proxy-fn")
	Set(tree, "items.0", "first")
	Set(tree, "items.2", "third")

	v, ok := Get(tree, "math.add")
	require.True(t, ok)
	assert.Equal(t, "proxy-fn", v)

	items, ok := tree["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 3)
	assert.Equal(t, "first", items[0])
	assert.Nil(t, items[1])
	assert.Equal(t, "third", items[2])
}

func TestRoundTripReconstructsReachableFunctionPaths(t *testing.T) {
	original := Tree{
		"a": func() {},
		"b": Tree{"c": func() {}},
	}
	directory, residual := Decompose(original)

	rebuilt := Tree{}
	for k, v := range residual {
		rebuilt[k] = v
	}
	for _, path := range directory {
		Set(rebuilt, path, "proxy")
	}

	_, ok := Get(rebuilt, "a")
	assert.True(t, ok)
	_, ok = Get(rebuilt, "b.c")
	assert.True(t, ok)
}
