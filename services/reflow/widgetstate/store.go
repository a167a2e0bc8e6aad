// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package widgetstate persists widget values across reruns of one session.
//
// # Description
//
// The Store maps a widget identity (the node path) to its last-known value.
// Values are typed; an entry's type tag is fixed for its lifetime, and a
// declaration or write with a different tag resets the entry to the
// declared default and reports fault.ErrStateTypeMismatch.
//
// Entries that are not touched by a rerun accumulate staleness. Once an
// entry has been stale for the configured window of consecutive reruns it
// is evicted. The default window of 1 evicts on the first rerun that does
// not declare the widget.
//
// Reruns operate on a Txn so a failed script leaves the store untouched.
//
// # Thread Safety
//
// Store and Txn are not safe for concurrent use. A store is owned by exactly
// one session worker.
package widgetstate

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/reflow/services/reflow/fault"
)

// DefaultStalenessWindow evicts entries on the first rerun that skips them.
const DefaultStalenessWindow = 1

// Entry is one persisted widget value.
type Entry struct {
	Identity string
	Value    Value
	Default  Value

	// LastSeen is the rerun counter of the last rerun that touched the entry.
	LastSeen uint64

	// Stale counts consecutive reruns that did not touch the entry.
	Stale int
}

// Store holds the widget entries of one session.
type Store struct {
	entries map[string]*Entry
	window  int
	rerun   uint64
}

// NewStore creates an empty store. A window below 1 uses
// DefaultStalenessWindow.
func NewStore(window int) *Store {
	if window < 1 {
		window = DefaultStalenessWindow
	}
	return &Store{
		entries: make(map[string]*Entry),
		window:  window,
	}
}

// Window returns the staleness window.
func (s *Store) Window() int { return s.window }

// Rerun returns the number of completed prunes, i.e. committed reruns.
func (s *Store) Rerun() uint64 { return s.rerun }

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }

// Get returns a copy of the entry for identity.
func (s *Store) Get(identity string) (Entry, bool) {
	e, ok := s.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Identities returns all identities in sorted order.
func (s *Store) Identities() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetOrInit returns the stored value for identity, inserting def if absent.
//
// # Outputs
//
//   - Value: The stored value, or def.
//   - error: A fault.Diagnostic wrapping ErrStateTypeMismatch when the
//     stored type differs from def's. The entry is reset to def and def is
//     returned, so callers may treat the error as a warning.
func (s *Store) GetOrInit(identity string, def Value) (Value, error) {
	return getOrInit(s.entries, identity, def)
}

// Set writes value for identity.
//
// A mismatched type resets the entry to its default and returns a
// diagnostic wrapping ErrStateTypeMismatch. Setting an unknown identity
// creates the entry with value as its default.
func (s *Store) Set(identity string, value Value) error {
	return set(s.entries, identity, value)
}

// Prune ends a rerun: touched entries are refreshed, the rest age by one
// and are evicted once their staleness reaches the window.
//
// # Outputs
//
//   - []string: Evicted identities, sorted.
func (s *Store) Prune(touched map[string]struct{}) []string {
	s.rerun++
	var evicted []string
	for id, e := range s.entries {
		if _, ok := touched[id]; ok {
			e.LastSeen = s.rerun
			e.Stale = 0
			continue
		}
		e.Stale++
		if e.Stale >= s.window {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// =============================================================================
// Shared entry logic
// =============================================================================

func getOrInit(entries map[string]*Entry, identity string, def Value) (Value, error) {
	e, ok := entries[identity]
	if !ok {
		entries[identity] = &Entry{Identity: identity, Value: def, Default: def}
		return def, nil
	}
	if e.Value.Type != def.Type {
		prev := e.Value.Type
		e.Value, e.Default, e.Stale = def, def, 0
		return def, mismatch(identity, prev, def.Type)
	}
	e.Default = def
	return e.Value, nil
}

func set(entries map[string]*Entry, identity string, value Value) error {
	e, ok := entries[identity]
	if !ok {
		entries[identity] = &Entry{Identity: identity, Value: value, Default: value}
		return nil
	}
	if e.Value.Type != value.Type {
		e.Value = e.Default
		return mismatch(identity, e.Default.Type, value.Type)
	}
	e.Value = value
	return nil
}

func mismatch(identity string, stored, got TypeTag) error {
	return fault.Diagnostic{
		Code:     fault.CodeStateTypeMismatch,
		Identity: identity,
		Message:  fmt.Sprintf("stored type %s, got %s; reset to default", stored, got),
	}
}
