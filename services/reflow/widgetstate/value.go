// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package widgetstate

import (
	"bytes"
	"fmt"

	"github.com/AleutianAI/reflow/services/reflow/canon"
)

// TypeTag names the Go type a widget value decodes to.
type TypeTag string

const (
	TypeBool    TypeTag = "bool"
	TypeInt     TypeTag = "int"
	TypeFloat   TypeTag = "float"
	TypeString  TypeTag = "string"
	TypeStrings TypeTag = "strings"

	// TypeTrigger is a bool that reads true only during the rerun that
	// consumed it, then reverts to its default on commit.
	TypeTrigger TypeTag = "trigger"
)

// Value is a typed, opaque widget value. Data is canonical CBOR.
type Value struct {
	Type TypeTag
	Data []byte
}

// Encode builds a Value of the given type from a Go value.
func Encode(tag TypeTag, v any) (Value, error) {
	data, err := canon.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode %s value: %w", tag, err)
	}
	return Value{Type: tag, Data: data}, nil
}

func mustEncode(tag TypeTag, v any) Value {
	val, err := Encode(tag, v)
	if err != nil {
		panic(err)
	}
	return val
}

// Bool returns a TypeBool value.
func Bool(b bool) Value { return mustEncode(TypeBool, b) }

// Trigger returns a TypeTrigger value.
func Trigger(b bool) Value { return mustEncode(TypeTrigger, b) }

// Int returns a TypeInt value.
func Int(n int64) Value { return mustEncode(TypeInt, n) }

// Float returns a TypeFloat value.
func Float(f float64) Value { return mustEncode(TypeFloat, f) }

// String returns a TypeString value.
func String(s string) Value { return mustEncode(TypeString, s) }

// Strings returns a TypeStrings value. A nil slice encodes as empty.
func Strings(ss []string) Value {
	if ss == nil {
		ss = []string{}
	}
	return mustEncode(TypeStrings, ss)
}

// Decode unmarshals the value's data into out.
func (v Value) Decode(out any) error {
	if err := canon.Unmarshal(v.Data, out); err != nil {
		return fmt.Errorf("decode %s value: %w", v.Type, err)
	}
	return nil
}

// Equal reports whether two values have the same type and bytes.
func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && bytes.Equal(v.Data, o.Data)
}

// IsZero reports whether v was never set.
func (v Value) IsZero() bool {
	return v.Type == "" && len(v.Data) == 0
}

// String renders the value for logs.
func (v Value) String() string {
	var x any
	if err := canon.Unmarshal(v.Data, &x); err != nil {
		return fmt.Sprintf("%s(<%d bytes>)", v.Type, len(v.Data))
	}
	return fmt.Sprintf("%s(%v)", v.Type, x)
}
