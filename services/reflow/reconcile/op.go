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
	"fmt"
)

// OpKind enumerates patch operations. Values are part of the wire format.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpRemove OpKind = 2
	OpUpdate OpKind = 3
	OpMove   OpKind = 4
)

// String returns the lowercase op name, used as a metric label.
func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	case OpUpdate:
		return "update"
	case OpMove:
		return "move"
	default:
		return "unknown"
	}
}

// Op is one atomic edit of the renderer's tree.
//
// Identity is the node's path. Position is an index into the parent's
// child list at the moment the op is applied (Insert and Move only).
// Payload is set for Insert and Update, NodeKind for Insert.
type Op struct {
	Kind     OpKind `cbor:"1,keyasint"`
	Identity string `cbor:"2,keyasint"`
	Position int    `cbor:"3,keyasint,omitempty"`
	Payload  []byte `cbor:"4,keyasint,omitempty"`
	NodeKind string `cbor:"5,keyasint,omitempty"`
}

// String renders the op for logs and test failures.
func (o Op) String() string {
	switch o.Kind {
	case OpInsert:
		return fmt.Sprintf("Insert(%s, %d, %s)", o.Identity, o.Position, o.NodeKind)
	case OpMove:
		return fmt.Sprintf("Move(%s, %d)", o.Identity, o.Position)
	case OpUpdate:
		return fmt.Sprintf("Update(%s)", o.Identity)
	case OpRemove:
		return fmt.Sprintf("Remove(%s)", o.Identity)
	default:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Identity)
	}
}

// Counts tallies ops by kind.
func Counts(ops []Op) map[OpKind]int {
	c := make(map[OpKind]int, 4)
	for _, op := range ops {
		c[op.Kind]++
	}
	return c
}
