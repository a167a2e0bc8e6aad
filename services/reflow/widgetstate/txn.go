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
	"errors"

	"github.com/AleutianAI/reflow/services/reflow/fault"
)

var (
	// ErrTxnDone is returned when a transaction is committed twice.
	ErrTxnDone = errors.New("widget state transaction already committed")

	// ErrTxnConflict is returned when the store was committed by another
	// transaction after this one began.
	ErrTxnConflict = errors.New("widget state transaction conflict")
)

// Txn is a private copy of a Store for the duration of one rerun.
//
// # Description
//
// Begin snapshots every entry, so the transaction never reads the store
// again. A run that is abandoned after a timeout can keep writing to its
// Txn without racing the next run. Commit installs the snapshot and prunes.
type Txn struct {
	store   *Store
	base    uint64
	entries map[string]*Entry
	touched map[string]struct{}
	diags   []fault.Diagnostic
	done    bool
}

// Begin starts a transaction over the store's current entries.
func (s *Store) Begin() *Txn {
	entries := make(map[string]*Entry, len(s.entries))
	for id, e := range s.entries {
		cp := *e
		entries[id] = &cp
	}
	return &Txn{
		store:   s,
		base:    s.rerun,
		entries: entries,
		touched: make(map[string]struct{}),
	}
}

// GetOrInit behaves like Store.GetOrInit and marks identity as touched.
// A type mismatch is also recorded in Diagnostics.
func (t *Txn) GetOrInit(identity string, def Value) (Value, error) {
	t.touched[identity] = struct{}{}
	v, err := getOrInit(t.entries, identity, def)
	t.record(err)
	return v, err
}

// Set behaves like Store.Set and marks identity as touched.
func (t *Txn) Set(identity string, value Value) error {
	t.touched[identity] = struct{}{}
	err := set(t.entries, identity, value)
	t.record(err)
	return err
}

// Touched reports whether identity was declared in this transaction.
func (t *Txn) Touched(identity string) bool {
	_, ok := t.touched[identity]
	return ok
}

// Diagnostics returns the type mismatches seen so far.
func (t *Txn) Diagnostics() []fault.Diagnostic {
	return t.diags
}

// Commit installs the transaction into its store and prunes untouched
// entries. Trigger entries revert to their defaults.
//
// # Outputs
//
//   - []string: Identities evicted by the prune.
//   - error: ErrTxnDone or ErrTxnConflict; the store is unchanged.
func (t *Txn) Commit() ([]string, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if t.store.rerun != t.base {
		return nil, ErrTxnConflict
	}
	t.done = true
	for id := range t.touched {
		if e := t.entries[id]; e != nil && e.Value.Type == TypeTrigger {
			e.Value = e.Default
		}
	}
	t.store.entries = t.entries
	return t.store.Prune(t.touched), nil
}

func (t *Txn) record(err error) {
	if d, ok := fault.AsDiagnostic(err); ok {
		t.diags = append(t.diags, d)
	}
}
