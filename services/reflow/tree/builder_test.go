// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reflow/services/reflow/fault"
)

func mustAdd(t *testing.T, b *Builder, parent int, kind Kind, key string) int {
	t.Helper()
	i, err := b.Add(parent, kind, key)
	require.NoError(t, err)
	return i
}

func TestBuilder_PositionalIdentity(t *testing.T) {
	b := NewBuilder()
	t0 := mustAdd(t, b, 0, "text", "")
	s0 := mustAdd(t, b, 0, "slider", "")
	t1 := mustAdd(t, b, 0, "text", "")
	k := mustAdd(t, b, 0, "text", "title")
	t2 := mustAdd(t, b, 0, "text", "")

	assert.Equal(t, "text#0", b.Path(t0))
	assert.Equal(t, "slider#0", b.Path(s0))
	assert.Equal(t, "text#1", b.Path(t1))
	assert.Equal(t, "title", b.Path(k))
	// keyed siblings do not consume ordinals
	assert.Equal(t, "text#2", b.Path(t2))
	assert.Empty(t, b.Diagnostics())
}

func TestBuilder_NestedPaths(t *testing.T) {
	b := NewBuilder()
	side := mustAdd(t, b, 0, "sidebar", "sidebar")
	cols := mustAdd(t, b, 0, "columns", "")
	c0 := mustAdd(t, b, cols, "column", "")
	c1 := mustAdd(t, b, cols, "column", "")
	w := mustAdd(t, b, side, "slider", "")
	x := mustAdd(t, b, c1, "button", "go")
	y := mustAdd(t, b, c0, "button", "")

	tr := b.Build()
	assert.Equal(t, "sidebar/slider#0", tr.Node(w).Path)
	assert.Equal(t, "columns#0/column#1/go", tr.Node(x).Path)
	assert.Equal(t, "columns#0/column#0/button#0", tr.Node(y).Path)

	i, ok := tr.Lookup("columns#0/column#1/go")
	require.True(t, ok)
	assert.Equal(t, x, i)
	assert.Equal(t, []int{side, cols}, tr.Root().Children)
	assert.Equal(t, c1, tr.Node(x).Parent)
}

func TestBuilder_DuplicateKey(t *testing.T) {
	b := NewBuilder()
	a := mustAdd(t, b, 0, "text", "row")
	dup := mustAdd(t, b, 0, "text", "row")
	dup2 := mustAdd(t, b, 0, "button", "row")

	assert.Equal(t, "row", b.Path(a))
	assert.Equal(t, "row~1", b.Path(dup))
	assert.Equal(t, "row~2", b.Path(dup2))

	diags := b.Diagnostics()
	require.Len(t, diags, 2)
	assert.Equal(t, fault.CodeDuplicateIdentity, diags[0].Code)
	assert.Equal(t, "row~1", diags[0].Identity)
}

func TestBuilder_InvalidKey(t *testing.T) {
	b := NewBuilder()
	for _, key := range []string{"a/b", "x#1", "y~2"} {
		_, err := b.Add(0, "text", key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
	_, err := b.Add(7, "text", "")
	assert.ErrorIs(t, err, ErrUnknownParent)
	assert.Equal(t, 1, b.Build().Len())
}

func TestTree_Walk(t *testing.T) {
	b := NewBuilder()
	exp := mustAdd(t, b, 0, "expander", "")
	mustAdd(t, b, exp, "text", "")
	mustAdd(t, b, 0, "divider", "")
	tr := b.Build()

	var seen []string
	tr.Walk(func(_ int, n *Node) bool {
		seen = append(seen, n.Path)
		return true
	})
	assert.Equal(t, []string{"expander#0", "expander#0/text#0", "divider#0"}, seen)

	seen = nil
	tr.Walk(func(_ int, n *Node) bool {
		seen = append(seen, n.Path)
		return false
	})
	assert.Equal(t, []string{"expander#0", "divider#0"}, seen)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "", ParentPath("count"))
	assert.Equal(t, "a/b", ParentPath("a/b/c"))
	assert.Equal(t, "count", JoinPath("", "count"))
	assert.Equal(t, "a/b", JoinPath("a", "b"))
}
