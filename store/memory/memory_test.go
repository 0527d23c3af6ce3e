package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/memory"
)

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A unit that writes a snapshot and an entry, then fails
	// THEN: Neither write is visible afterwards
	store := memory.New()
	ctx := context.Background()
	key := leave.BalanceKey{OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Year: 2025}
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx leave.Tx) error {
		require.NoError(t, tx.PutSnapshot(ctx, leave.BalanceSnapshot{Key: key, CurrentBalance: decimal.NewFromInt(5), Version: 1}, 0))
		require.NoError(t, tx.InsertEntry(ctx, leave.LedgerEntry{ID: "e1", OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Year: 2025, Sequence: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := store.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, snap)

	entries, err := store.ListEntries(ctx, leave.EntryFilter{OrgID: 1})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithTx_RollbackRestoresOverwrittenRows(t *testing.T) {
	// GIVEN: A committed snapshot, entry and request
	store := memory.New()
	ctx := context.Background()
	key := leave.BalanceKey{OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Year: 2025}
	req := leave.LeaveRequest{ID: "req-1", OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Status: leave.StatusPending}
	require.NoError(t, store.WithTx(ctx, func(tx leave.Tx) error {
		require.NoError(t, tx.PutSnapshot(ctx, leave.BalanceSnapshot{Key: key, CurrentBalance: decimal.NewFromInt(10), Version: 1}, 0))
		require.NoError(t, tx.InsertEntry(ctx, leave.LedgerEntry{ID: "e1", OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Year: 2025, Sequence: 1}))
		return tx.SaveRequest(ctx, req)
	}))

	// WHEN: A later unit overwrites all three and fails
	err := store.WithTx(ctx, func(tx leave.Tx) error {
		require.NoError(t, tx.PutSnapshot(ctx, leave.BalanceSnapshot{Key: key, CurrentBalance: decimal.NewFromInt(7), Version: 2}, 1))
		require.NoError(t, tx.InsertEntry(ctx, leave.LedgerEntry{ID: "e2", OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Year: 2025, Sequence: 2}))
		locked, err := tx.LockRequest(ctx, 1, "req-1")
		require.NoError(t, err)
		locked.Status = leave.StatusApproved
		require.NoError(t, tx.SaveRequest(ctx, *locked))
		return errors.New("boom")
	})
	require.Error(t, err)

	// THEN: The committed values are back
	snap, err := store.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.True(t, snap.CurrentBalance.Equal(decimal.NewFromInt(10)))

	entries, err := store.ListEntries(ctx, leave.EntryFilter{OrgID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)

	got, err := store.GetRequest(ctx, 1, "req-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, got.Status)
}

func TestPutSnapshot_CompareAndSwap(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	key := leave.BalanceKey{OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Year: 2025}

	require.NoError(t, store.WithTx(ctx, func(tx leave.Tx) error {
		return tx.PutSnapshot(ctx, leave.BalanceSnapshot{Key: key, Version: 1}, 0)
	}))

	// second insert of the same key
	err := store.WithTx(ctx, func(tx leave.Tx) error {
		return tx.PutSnapshot(ctx, leave.BalanceSnapshot{Key: key, Version: 1}, 0)
	})
	assert.ErrorIs(t, err, leave.ErrConcurrencyConflict)

	// stale version
	err = store.WithTx(ctx, func(tx leave.Tx) error {
		return tx.PutSnapshot(ctx, leave.BalanceSnapshot{Key: key, Version: 3}, 2)
	})
	assert.ErrorIs(t, err, leave.ErrConcurrencyConflict)

	require.NoError(t, store.WithTx(ctx, func(tx leave.Tx) error {
		return tx.PutSnapshot(ctx, leave.BalanceSnapshot{Key: key, Version: 2}, 1)
	}))
}

func TestOrgScoping(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx leave.Tx) error {
		require.NoError(t, tx.SavePolicy(ctx, leave.Policy{ID: "annual", OrgID: 1}))
		return tx.SavePolicy(ctx, leave.Policy{ID: "annual", OrgID: 2, Name: "other org"})
	}))

	p, err := store.GetPolicy(ctx, 2, "annual")
	require.NoError(t, err)
	assert.Equal(t, "other org", p.Name)

	_, err = store.GetPolicy(ctx, 3, "annual")
	assert.True(t, leave.IsNotFound(err))

	orgs, err := store.ListOrgs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []leave.OrgID{1, 2}, orgs)
}

func TestRequestsAreCopied(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	req := leave.LeaveRequest{ID: "r1", OrgID: 1, ApprovalHistory: []leave.ApprovalAction{{Actor: "a"}}}
	require.NoError(t, store.WithTx(ctx, func(tx leave.Tx) error { return tx.SaveRequest(ctx, req) }))

	got, err := store.GetRequest(ctx, 1, "r1")
	require.NoError(t, err)
	got.ApprovalHistory[0].Actor = "mutated"

	again, err := store.GetRequest(ctx, 1, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.ApprovalHistory[0].Actor)
}
