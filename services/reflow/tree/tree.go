// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree holds the element tree produced by one script execution.
//
// # Description
//
// A Tree is a flattened list of Nodes with parent back-references, in
// creation order. Node 0 is always the root.
// Each node carries an identity that is unique among its siblings: either
// an explicit key assigned by the script author, or a positional fallback
// "kind#ordinal" where ordinal counts earlier unkeyed siblings of the same
// kind. The slash-joined identities from the root form the node's Path,
// which is unique tree-wide and is what patch operations and widget events
// refer to.
//
// # Thread Safety
//
// A Tree is immutable once Build returns and may be read concurrently.
// Builder is not safe for concurrent use.
package tree

import (
	"strings"
)

// Kind tags the element type of a node.
type Kind string

// KindRoot is the kind of node 0.
const KindRoot Kind = "root"

// PathSeparator joins sibling identities into a Path.
const PathSeparator = "/"

// Node is one element in a Tree.
type Node struct {
	// ID is the sibling-scoped identity.
	ID string

	// Path is the tree-wide identity, the slash-joined IDs from the root.
	// The root's Path is empty.
	Path string

	// Kind is the element type.
	Kind Kind

	// Keyed is true when ID came from an author-assigned key.
	Keyed bool

	// Payload is the node's canonical CBOR content. Two nodes with equal
	// payload bytes render identically.
	Payload []byte

	// Parent is the index of the parent node, or -1 for the root.
	Parent int

	// Children holds child indices in display order.
	Children []int
}

// Tree is an immutable snapshot of one rerun's output.
type Tree struct {
	nodes  []Node
	byPath map[string]int
}

// Empty returns a tree holding only the root.
func Empty() *Tree {
	return NewBuilder().Build()
}

// Len returns the number of nodes including the root.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Node returns the node at index i. The returned value must not be modified.
func (t *Tree) Node(i int) *Node {
	return &t.nodes[i]
}

// Root returns node 0.
func (t *Tree) Root() *Node {
	return &t.nodes[0]
}

// Lookup returns the index of the node with the given path.
func (t *Tree) Lookup(path string) (int, bool) {
	if t == nil {
		return 0, false
	}
	i, ok := t.byPath[path]
	return i, ok
}

// Walk visits every node below the root in preorder. Returning false from
// fn skips the node's descendants.
func (t *Tree) Walk(fn func(i int, n *Node) bool) {
	if t == nil {
		return
	}
	var visit func(i int)
	visit = func(i int) {
		for _, c := range t.nodes[i].Children {
			if fn(c, &t.nodes[c]) {
				visit(c)
			}
		}
	}
	visit(0)
}

// ParentPath returns the path of the parent of the node at path.
func ParentPath(path string) string {
	if i := strings.LastIndex(path, PathSeparator); i >= 0 {
		return path[:i]
	}
	return ""
}

// JoinPath appends a sibling identity to a parent path.
func JoinPath(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + PathSeparator + id
}
