// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/reflow/services/reflow/tree"
)

// ErrBadOp is returned by Replica.Apply for ops that do not fit the replica.
var ErrBadOp = errors.New("op does not apply to replica")

// Replica is a renderer-side model of an element tree that applies ops the
// way a client must: in order, with positions resolved against the child
// list as it stands when each op is applied.
//
// It is the reference consumer of the delta stream and is used to check
// that Diff output reproduces the next tree.
type Replica struct {
	root  *replicaNode
	nodes map[string]*replicaNode
}

type replicaNode struct {
	path     string
	kind     string
	payload  []byte
	parent   *replicaNode
	children []*replicaNode
}

// Snapshot is a comparable, nested view of a tree.
type Snapshot struct {
	Path     string
	Kind     string
	Payload  []byte
	Children []Snapshot
}

// NewReplica builds a replica holding a copy of t. A nil t yields an empty
// replica.
func NewReplica(t *tree.Tree) *Replica {
	r := &Replica{
		root:  &replicaNode{kind: string(tree.KindRoot)},
		nodes: make(map[string]*replicaNode),
	}
	r.nodes[""] = r.root
	if t == nil {
		return r
	}
	var copyKids func(src int, dst *replicaNode)
	copyKids = func(src int, dst *replicaNode) {
		for _, c := range t.Node(src).Children {
			n := t.Node(c)
			rn := &replicaNode{path: n.Path, kind: string(n.Kind), payload: n.Payload, parent: dst}
			dst.children = append(dst.children, rn)
			r.nodes[n.Path] = rn
			copyKids(c, rn)
		}
	}
	copyKids(0, r.root)
	return r
}

// Apply applies ops in order. It stops at the first op that does not fit
// and returns an error wrapping ErrBadOp; earlier ops remain applied.
func (r *Replica) Apply(ops []Op) error {
	for i, op := range ops {
		if err := r.apply(op); err != nil {
			return fmt.Errorf("op %d %s: %w", i, op, err)
		}
	}
	return nil
}

func (r *Replica) apply(op Op) error {
	switch op.Kind {
	case OpInsert:
		if _, exists := r.nodes[op.Identity]; exists {
			return fmt.Errorf("%w: identity already present", ErrBadOp)
		}
		parent, ok := r.nodes[tree.ParentPath(op.Identity)]
		if !ok {
			return fmt.Errorf("%w: parent missing", ErrBadOp)
		}
		if op.Position < 0 || op.Position > len(parent.children) {
			return fmt.Errorf("%w: position %d out of range [0,%d]", ErrBadOp, op.Position, len(parent.children))
		}
		n := &replicaNode{path: op.Identity, kind: op.NodeKind, payload: op.Payload, parent: parent}
		parent.children = insertNode(parent.children, op.Position, n)
		r.nodes[op.Identity] = n

	case OpRemove:
		n, ok := r.nodes[op.Identity]
		if !ok || n == r.root {
			return fmt.Errorf("%w: identity missing", ErrBadOp)
		}
		n.parent.children = removeNode(n.parent.children, n)
		r.forget(n)

	case OpUpdate:
		n, ok := r.nodes[op.Identity]
		if !ok || n == r.root {
			return fmt.Errorf("%w: identity missing", ErrBadOp)
		}
		n.payload = op.Payload

	case OpMove:
		n, ok := r.nodes[op.Identity]
		if !ok || n == r.root {
			return fmt.Errorf("%w: identity missing", ErrBadOp)
		}
		if last := len(n.parent.children) - 1; op.Position < 0 || op.Position > last {
			return fmt.Errorf("%w: position %d out of range [0,%d]", ErrBadOp, op.Position, last)
		}
		n.parent.children = insertNode(removeNode(n.parent.children, n), op.Position, n)

	default:
		return fmt.Errorf("%w: unknown kind %d", ErrBadOp, op.Kind)
	}
	return nil
}

func (r *Replica) forget(n *replicaNode) {
	delete(r.nodes, n.path)
	for _, c := range n.children {
		r.forget(c)
	}
}

// Len returns the number of nodes below the root.
func (r *Replica) Len() int {
	return len(r.nodes) - 1
}

// Snapshot returns the replica's children of the root as nested values.
func (r *Replica) Snapshot() []Snapshot {
	var walk func(n *replicaNode) []Snapshot
	walk = func(n *replicaNode) []Snapshot {
		if len(n.children) == 0 {
			return nil
		}
		out := make([]Snapshot, 0, len(n.children))
		for _, c := range n.children {
			out = append(out, Snapshot{Path: c.path, Kind: c.kind, Payload: c.payload, Children: walk(c)})
		}
		return out
	}
	return walk(r.root)
}

// SnapshotOf returns the same nested view for a tree.
func SnapshotOf(t *tree.Tree) []Snapshot {
	return NewReplica(t).Snapshot()
}

func insertNode(list []*replicaNode, pos int, n *replicaNode) []*replicaNode {
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = n
	return list
}

func removeNode(list []*replicaNode, n *replicaNode) []*replicaNode {
	for i, c := range list {
		if c == n {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
