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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/reflow/services/reflow/fault"
)

var (
	// ErrInvalidKey is returned for keys that contain reserved characters.
	ErrInvalidKey = errors.New("invalid element key")

	// ErrUnknownParent is returned when adding under a parent index that
	// does not exist.
	ErrUnknownParent = errors.New("unknown parent node")
)

// reservedKeyChars may not appear in author keys. '/' separates path
// segments, '#' marks positional fallbacks and '~' marks occurrence
// suffixes, so excluding them keeps explicit keys and generated
// identities in disjoint spaces.
const reservedKeyChars = "/#~"

// Builder assembles a Tree incrementally as the script declares elements.
//
// # Description
//
// Add computes the sibling identity of every new node. Unkeyed nodes get
// "kind#ordinal". When two siblings resolve to the same identity, which
// can only happen through explicit keys, the later one is renamed "id~n"
// (n counting earlier occurrences) and a DuplicateIdentity diagnostic is
// recorded.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Builder struct {
	nodes    []Node
	ordinals []map[Kind]int
	used     []map[string]int
	diags    []fault.Diagnostic
}

// NewBuilder returns a builder holding only the root node.
func NewBuilder() *Builder {
	b := &Builder{}
	b.nodes = append(b.nodes, Node{Kind: KindRoot, Parent: -1})
	b.ordinals = append(b.ordinals, nil)
	b.used = append(b.used, nil)
	return b
}

// Add appends a child of kind under parent and returns its index.
//
// # Inputs
//
//   - parent: Index of an existing node (0 for the root).
//   - kind: Element kind.
//   - key: Author key, or "" for a positional identity.
//
// # Outputs
//
//   - int: Index of the new node.
//   - error: ErrUnknownParent or ErrInvalidKey. No node is added on error.
func (b *Builder) Add(parent int, kind Kind, key string) (int, error) {
	if parent < 0 || parent >= len(b.nodes) {
		return -1, fmt.Errorf("%w: %d", ErrUnknownParent, parent)
	}
	if strings.ContainsAny(key, reservedKeyChars) {
		return -1, fmt.Errorf("%w: %q may not contain any of %q", ErrInvalidKey, key, reservedKeyChars)
	}

	id := key
	if key == "" {
		if b.ordinals[parent] == nil {
			b.ordinals[parent] = make(map[Kind]int)
		}
		id = fmt.Sprintf("%s#%d", kind, b.ordinals[parent][kind])
		b.ordinals[parent][kind]++
	}

	if b.used[parent] == nil {
		b.used[parent] = make(map[string]int)
	}
	if n := b.used[parent][id]; n > 0 {
		renamed := fmt.Sprintf("%s~%d", id, n)
		b.diags = append(b.diags, fault.Diagnostic{
			Code:     fault.CodeDuplicateIdentity,
			Identity: JoinPath(b.nodes[parent].Path, renamed),
			Message:  fmt.Sprintf("identity %q already used by a sibling; assign distinct keys", id),
		})
		b.used[parent][id] = n + 1
		id = renamed
	}
	b.used[parent][id]++

	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{
		ID:     id,
		Path:   JoinPath(b.nodes[parent].Path, id),
		Kind:   kind,
		Keyed:  key != "",
		Parent: parent,
	})
	b.ordinals = append(b.ordinals, nil)
	b.used = append(b.used, nil)
	b.nodes[parent].Children = append(b.nodes[parent].Children, idx)
	return idx, nil
}

// SetPayload stores the encoded content of node i.
func (b *Builder) SetPayload(i int, payload []byte) {
	b.nodes[i].Payload = payload
}

// Path returns the tree-wide identity of node i.
func (b *Builder) Path(i int) string {
	return b.nodes[i].Path
}

// Diagnostics returns the duplicate-identity reports collected so far.
func (b *Builder) Diagnostics() []fault.Diagnostic {
	return b.diags
}

// Build freezes the builder into a Tree. The builder must not be used
// afterwards.
func (b *Builder) Build() *Tree {
	byPath := make(map[string]int, len(b.nodes))
	for i := range b.nodes {
		byPath[b.nodes[i].Path] = i
	}
	t := &Tree{nodes: b.nodes, byPath: byPath}
	b.nodes = nil
	return t
}
