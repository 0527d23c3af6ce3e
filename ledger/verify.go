package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
)

// Reconciliation is the outcome of a conservation check.
type Reconciliation struct {
	Key             leave.BalanceKey
	SnapshotBalance decimal.Decimal
	LedgerSum       decimal.Decimal
	LastResulting   decimal.Decimal
	Entries         int
	Consistent      bool
}

// Verify checks sum(entries) == snapshot.CurrentBalance and that the last
// entry's ResultingBalance agrees.
func (l *Ledger) Verify(ctx context.Context, key leave.BalanceKey) (Reconciliation, error) {
	snap, err := l.Snapshot(ctx, key)
	if err != nil {
		return Reconciliation{}, err
	}
	entries, err := l.store.ListEntries(ctx, keyFilter(key))
	if err != nil {
		return Reconciliation{}, err
	}
	r := Reconciliation{
		Key:             key,
		SnapshotBalance: snap.CurrentBalance,
		LedgerSum:       Sum(entries),
		Entries:         len(entries),
	}
	if len(entries) > 0 {
		r.LastResulting = entries[len(entries)-1].ResultingBalance
	}
	r.Consistent = r.LedgerSum.Equal(r.SnapshotBalance) &&
		(len(entries) == 0 || r.LastResulting.Equal(r.SnapshotBalance)) &&
		int64(len(entries)) == snap.Version
	if !r.Consistent {
		l.logger.Error("balance snapshot diverged from ledger",
			zap.String("key", key.String()),
			zap.String("snapshot", r.SnapshotBalance.String()),
			zap.String("ledger_sum", r.LedgerSum.String()))
	}
	return r, nil
}

// Rebuild recomputes a snapshot from its entries. The ledger wins.
func (l *Ledger) Rebuild(ctx context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	var out leave.BalanceSnapshot
	err := l.Update(ctx, func(tx leave.Tx) error {
		prev, err := tx.LockSnapshot(ctx, key)
		if err != nil {
			return err
		}
		if prev == nil {
			return &leave.NotFoundError{Resource: "balance", ID: key.String()}
		}
		entries, err := tx.ListEntries(ctx, keyFilter(key))
		if err != nil {
			return err
		}
		snap := leave.BalanceSnapshot{Key: key}
		for _, e := range entries {
			apply(&snap, AppendInput{
				Kind:         e.Kind,
				Amount:       e.Amount,
				CarryForward: leave.DescriptionTag(e.Description) == leave.TagOpening,
			})
		}
		if int64(len(entries)) != prev.Version {
			return fmt.Errorf("rebuild %s: %d entries but version %d", key, len(entries), prev.Version)
		}
		snap.Version = prev.Version
		snap.UpdatedAt = l.clock.Now()
		if err := tx.PutSnapshot(ctx, snap, prev.Version); err != nil {
			return err
		}
		out = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Sum adds up entry amounts.
func Sum(entries []leave.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

func keyFilter(key leave.BalanceKey) leave.EntryFilter {
	return leave.EntryFilter{OrgID: key.OrgID, EmployeeID: key.EmployeeID, PolicyID: key.PolicyID, Year: key.Year}
}
