// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canon provides the canonical CBOR encoding used for node
// payloads, widget values and wire message bodies.
//
// Canonical mode sorts map keys and uses the shortest integer forms, so two
// semantically equal values always encode to identical bytes. The reconciler
// relies on this to compare payloads with bytes.Equal.
package canon

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("canon: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canon: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Marshal encodes v in canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Untyped maps decode as map[string]any.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Valid reports whether data holds exactly one well-formed CBOR item.
func Valid(data []byte) error {
	return decMode.Valid(data)
}

// RawMessage is an already-encoded CBOR item embedded verbatim.
type RawMessage = cbor.RawMessage
