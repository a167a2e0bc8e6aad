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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reflow/services/reflow/fault"
)

func touched(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func decodeInt(t *testing.T, v Value) int64 {
	t.Helper()
	var n int64
	require.NoError(t, v.Decode(&n))
	return n
}

// =============================================================================
// Store
// =============================================================================

func TestStore_GetOrInit(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, DefaultStalenessWindow, s.Window())

	v, err := s.GetOrInit("k", Int(5))
	require.NoError(t, err)
	assert.Equal(t, int64(5), decodeInt(t, v))

	require.NoError(t, s.Set("k", Int(7)))
	v, err = s.GetOrInit("k", Int(5))
	require.NoError(t, err)
	assert.Equal(t, int64(7), decodeInt(t, v), "stored value wins over default")
}

func TestStore_GetOrInitTypeChange(t *testing.T) {
	s := NewStore(1)
	_, err := s.GetOrInit("k", Int(3))
	require.NoError(t, err)

	v, err := s.GetOrInit("k", String("x"))
	require.ErrorIs(t, err, fault.ErrStateTypeMismatch)
	assert.True(t, v.Equal(String("x")))

	e, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, TypeString, e.Value.Type)
	assert.True(t, e.Default.Equal(String("x")))
}

func TestStore_SetTypeMismatchResets(t *testing.T) {
	s := NewStore(1)
	_, _ = s.GetOrInit("k", Int(5))
	require.NoError(t, s.Set("k", Int(9)))

	err := s.Set("k", Bool(true))
	d, ok := fault.AsDiagnostic(err)
	require.True(t, ok)
	assert.Equal(t, fault.CodeStateTypeMismatch, d.Code)
	assert.Equal(t, "k", d.Identity)

	e, _ := s.Get("k")
	assert.Equal(t, int64(5), decodeInt(t, e.Value), "reset to default, not corrupted")
}

func TestStore_PruneDefaultWindow(t *testing.T) {
	s := NewStore(1)
	_, _ = s.GetOrInit("a", Int(1))
	_, _ = s.GetOrInit("b", Int(2))

	evicted := s.Prune(touched("a"))
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"a"}, s.Identities())

	e, _ := s.Get("a")
	assert.Equal(t, uint64(1), e.LastSeen)
	assert.Equal(t, uint64(1), s.Rerun())
}

func TestStore_PruneWiderWindow(t *testing.T) {
	s := NewStore(3)
	_, _ = s.GetOrInit("k", Int(1))

	assert.Empty(t, s.Prune(touched()))
	assert.Empty(t, s.Prune(touched()))
	e, _ := s.Get("k")
	assert.Equal(t, 2, e.Stale)

	// touching resets the streak
	assert.Empty(t, s.Prune(touched("k")))
	e, _ = s.Get("k")
	assert.Equal(t, 0, e.Stale)

	assert.Empty(t, s.Prune(touched()))
	assert.Empty(t, s.Prune(touched()))
	assert.Equal(t, []string{"k"}, s.Prune(touched()))
	assert.Equal(t, 0, s.Len())
}

// =============================================================================
// Txn
// =============================================================================

func TestTxn_IsolatedUntilCommit(t *testing.T) {
	s := NewStore(1)
	_, _ = s.GetOrInit("k", Int(5))

	tx := s.Begin()
	require.NoError(t, tx.Set("k", Int(7)))
	_, _ = tx.GetOrInit("new", Bool(false))

	e, _ := s.Get("k")
	assert.Equal(t, int64(5), decodeInt(t, e.Value), "uncommitted writes are invisible")
	_, ok := s.Get("new")
	assert.False(t, ok)

	evicted, err := tx.Commit()
	require.NoError(t, err)
	assert.Empty(t, evicted)

	e, _ = s.Get("k")
	assert.Equal(t, int64(7), decodeInt(t, e.Value))
	assert.Equal(t, 2, s.Len())

	_, err = tx.Commit()
	assert.ErrorIs(t, err, ErrTxnDone)
}

func TestTxn_DiscardedLeavesStoreUntouched(t *testing.T) {
	s := NewStore(1)
	_, _ = s.GetOrInit("k", Int(5))

	tx := s.Begin()
	require.NoError(t, tx.Set("k", Int(100)))
	// never committed

	e, _ := s.Get("k")
	assert.Equal(t, int64(5), decodeInt(t, e.Value))
	assert.Equal(t, uint64(0), s.Rerun())
}

func TestTxn_CommitPrunesUntouched(t *testing.T) {
	s := NewStore(1)
	_, _ = s.GetOrInit("keep", Int(1))
	_, _ = s.GetOrInit("gone", Int(2))

	tx := s.Begin()
	_, _ = tx.GetOrInit("keep", Int(1))
	evicted, err := tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, evicted)
}

func TestTxn_TriggerRevertsOnCommit(t *testing.T) {
	s := NewStore(1)
	tx := s.Begin()
	_, _ = tx.GetOrInit("btn", Trigger(false))
	require.NoError(t, tx.Set("btn", Trigger(true)))
	v, _ := tx.GetOrInit("btn", Trigger(false))
	assert.True(t, v.Equal(Trigger(true)), "visible during the run that consumed it")

	_, err := tx.Commit()
	require.NoError(t, err)
	e, _ := s.Get("btn")
	assert.True(t, e.Value.Equal(Trigger(false)))
}

func TestTxn_Conflict(t *testing.T) {
	s := NewStore(1)
	a := s.Begin()
	b := s.Begin()
	_, err := a.Commit()
	require.NoError(t, err)
	_, err = b.Commit()
	assert.ErrorIs(t, err, ErrTxnConflict)
}

func TestTxn_RecordsMismatchDiagnostics(t *testing.T) {
	s := NewStore(1)
	_, _ = s.GetOrInit("k", Int(1))

	tx := s.Begin()
	_, err := tx.GetOrInit("k", Float(1.5))
	require.Error(t, err)
	require.Len(t, tx.Diagnostics(), 1)
	assert.Equal(t, "k", tx.Diagnostics()[0].Identity)
	assert.True(t, tx.Touched("k"))
	assert.False(t, tx.Touched("other"))
}

func TestValue_String(t *testing.T) {
	assert.Equal(t, "int(7)", Int(7).String())
	assert.Equal(t, "strings([a b])", Strings([]string{"a", "b"}).String())
	assert.True(t, Value{}.IsZero())
	assert.True(t, Strings(nil).Equal(Strings([]string{})))
}
