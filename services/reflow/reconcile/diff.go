// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile turns two successive element trees into patch ops.
//
// # Description
//
// Diff walks both trees one parent scope at a time. Siblings are matched
// by identity and kind. Within a scope the emitted order is fixed:
//
//  1. Remove for every previous sibling without a match. The whole subtree
//     goes; removed subtrees are never diffed internally.
//  2. Move for the matched siblings that are out of order. Siblings on a
//     longest increasing subsequence of previous positions stay put, so
//     the number of moves is minimal.
//  3. Update for every matched sibling whose payload bytes changed.
//  4. Insert for every new sibling in ascending final position, each
//     followed by its descendants in preorder.
//
// Matched siblings are then diffed recursively in their new order.
// Applying the ops in order to a replica of the previous tree reproduces
// the next tree exactly; see Replica.
//
// # Thread Safety
//
// Diff is a pure function over immutable trees.
package reconcile

import (
	"bytes"

	"github.com/AleutianAI/reflow/services/reflow/tree"
)

// Diff returns the ops that transform prev into next. A nil prev is treated
// as an empty tree, so the result inserts everything.
func Diff(prev, next *tree.Tree) []Op {
	if prev == nil {
		prev = tree.Empty()
	}
	if next == nil {
		next = tree.Empty()
	}
	d := &differ{prev: prev, next: next}
	d.scope(0, 0)
	return d.ops
}

type differ struct {
	prev *tree.Tree
	next *tree.Tree
	ops  []Op
}

type match struct {
	prev int
	next int
}

func (d *differ) scope(prevParent, nextParent int) {
	prevKids := d.prev.Node(prevParent).Children
	nextKids := d.next.Node(nextParent).Children

	byID := make(map[string]int, len(prevKids))
	for _, c := range prevKids {
		byID[d.prev.Node(c).ID] = c
	}

	matched := make([]match, 0, len(nextKids))
	isMatchedPrev := make(map[int]bool, len(nextKids))
	isMatchedNext := make(map[int]bool, len(nextKids))
	for _, c := range nextKids {
		n := d.next.Node(c)
		p, ok := byID[n.ID]
		if !ok || d.prev.Node(p).Kind != n.Kind {
			continue
		}
		matched = append(matched, match{prev: p, next: c})
		isMatchedPrev[p] = true
		isMatchedNext[c] = true
	}

	// Removes. What survives is the current child list as the renderer
	// will hold it after this step.
	current := make([]string, 0, len(matched))
	rank := make(map[string]int, len(matched))
	for _, c := range prevKids {
		n := d.prev.Node(c)
		if !isMatchedPrev[c] {
			d.ops = append(d.ops, Op{Kind: OpRemove, Identity: n.Path})
			continue
		}
		rank[n.ID] = len(current)
		current = append(current, n.ID)
	}

	d.moves(d.next.Node(nextParent).Path, matched, current, rank)

	for _, m := range matched {
		p, n := d.prev.Node(m.prev), d.next.Node(m.next)
		if !bytes.Equal(p.Payload, n.Payload) {
			d.ops = append(d.ops, Op{Kind: OpUpdate, Identity: n.Path, Payload: n.Payload})
		}
	}

	for pos, c := range nextKids {
		if !isMatchedNext[c] {
			d.insert(c, pos)
		}
	}

	for _, m := range matched {
		d.scope(m.prev, m.next)
	}
}

// moves reorders current into the order of matched. Siblings outside the
// longest increasing run of their current ranks are moved, walking the
// target order backwards and placing each right before its successor.
func (d *differ) moves(parentPath string, matched []match, current []string, rank map[string]int) {
	if len(matched) < 2 {
		return
	}
	target := make([]string, len(matched))
	seq := make([]int, len(matched))
	for i, m := range matched {
		target[i] = d.next.Node(m.next).ID
		seq[i] = rank[target[i]]
	}
	keep := longestIncreasing(seq)

	for i := len(target) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		id := target[i]
		current = removeString(current, id)
		pos := len(current)
		if i+1 < len(target) {
			pos = indexOf(current, target[i+1])
		}
		current = insertString(current, pos, id)
		d.ops = append(d.ops, Op{
			Kind:     OpMove,
			Identity: tree.JoinPath(parentPath, id),
			Position: pos,
		})
	}
}

func (d *differ) insert(i, pos int) {
	n := d.next.Node(i)
	d.ops = append(d.ops, Op{
		Kind:     OpInsert,
		Identity: n.Path,
		Position: pos,
		Payload:  n.Payload,
		NodeKind: string(n.Kind),
	})
	for k, c := range n.Children {
		d.insert(c, k)
	}
}

// longestIncreasing marks one longest strictly increasing subsequence of seq.
func longestIncreasing(seq []int) []bool {
	// tails[k] is the index in seq of the smallest tail of a run of length k+1.
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if seq[tails[mid]] < v {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			prev[i] = tails[lo-1]
		} else {
			prev[i] = -1
		}
		if lo == len(tails) {
			tails = append(tails, i)
		} else {
			tails[lo] = i
		}
	}
	keep := make([]bool, len(seq))
	if len(tails) == 0 {
		return keep
	}
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func removeString(list []string, s string) []string {
	i := indexOf(list, s)
	if i < 0 {
		return list
	}
	return append(list[:i], list[i+1:]...)
}

func insertString(list []string, pos int, s string) []string {
	list = append(list, "")
	copy(list[pos+1:], list[pos:])
	list[pos] = s
	return list
}
