/*
ledger.go - Append-only balance ledger

PURPOSE:
  The ledger is the system of record for every balance change. Each append
  writes one immutable entry and moves the per-(org, employee, policy, year)
  snapshot in the same atomic unit, so the snapshot is always a faithful
  cache of the entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never updated or deleted
  2. CONSERVATION: snapshot.CurrentBalance == sum(entry.Amount) per key
  3. CHAINING: entry.ResultingBalance == previous balance + entry.Amount
  4. ATOMICITY: entry and snapshot are written together or not at all
  5. NO DOUBLE DEDUCTION: one deduction-family entry per request

ATOMIC APPEND:
  lock snapshot -> idempotency guard -> compute resulting balance -> CAS
  snapshot on Version -> insert entry. Any failure rolls back the whole unit. A version
  mismatch (ErrConcurrencyConflict) makes Update retry the unit from the
  start with fresh reads.

IDEMPOTENCY GUARD:
  Deduction and pending_deduction appends that carry a request id are
  skipped when a deduction-family entry for that request already exists
  for the employee and policy. Credits carrying a request id are skipped
  unless the request still has an outstanding deduction. Reprocessing an
  approval or rejection event is therefore harmless.

CORRECTIONS:
  Credits restore days with a positive amount using the same mechanism as
  deductions. Force recalculation writes a reconciling grant for the
  difference instead of rewriting history.

SEE ALSO:
  - opening.go: Opening-balance lookup with leave-type cross-reference
  - verify.go:  Conservation check and snapshot rebuild
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
)

// DefaultRetryAttempts bounds Update's retries on concurrency conflicts.
const DefaultRetryAttempts = 3

// AppendInput describes one ledger write.
type AppendInput struct {
	Key       leave.BalanceKey
	Kind      leave.EntryKind
	Amount    decimal.Decimal
	Tag       string
	Text      string
	RequestID leave.RequestID
	// CarryForward marks a grant that brings days over from elsewhere
	// (opening balances).
	CarryForward bool
}

// AppendResult reports what happened. When Skipped is true, Entry is the
// existing entry that caused the skip (zero for a skipped credit).
type AppendResult struct {
	Entry    leave.LedgerEntry
	Snapshot leave.BalanceSnapshot
	Skipped  bool
}

// Ledger owns every write to entries and snapshots.
type Ledger struct {
	store    leave.Store
	clock    leave.Clock
	logger   *zap.Logger
	attempts int
	newID    func() string
}

type Option func(*Ledger)

func WithClock(c leave.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithRetryAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.attempts = n
		}
	}
}

func New(store leave.Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:    store,
		logger:   logger.Named("ledger"),
		attempts: DefaultRetryAttempts,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Store exposes the underlying store for read models.
func (l *Ledger) Store() leave.Store { return l.store }

// =============================================================================
// TRANSACTION WRAPPER
// =============================================================================

// Update runs fn as one atomic unit, retrying the whole unit when a
// concurrent writer won the race on a snapshot. A conflict that survives
// every attempt is returned as *leave.ConflictError.
func (l *Ledger) Update(ctx context.Context, fn func(tx leave.Tx) error) error {
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		err = l.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, leave.ErrConcurrencyConflict) {
			return err
		}
		var exhausted *leave.ConflictError
		if errors.As(err, &exhausted) {
			return err
		}
		l.logger.Warn("balance write conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	var key leave.BalanceKey
	var ke *keyedConflict
	if errors.As(err, &ke) {
		key = ke.key
	}
	return &leave.ConflictError{Key: key, Attempts: l.attempts}
}

// keyedConflict remembers which key conflicted so the final error names it.
type keyedConflict struct {
	key leave.BalanceKey
	err error
}

func (e *keyedConflict) Error() string { return fmt.Sprintf("balance %s: %v", e.key, e.err) }
func (e *keyedConflict) Unwrap() error { return e.err }

// =============================================================================
// APPEND
// =============================================================================

// Append writes one entry in its own atomic unit.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	var res AppendResult
	err := l.Update(ctx, func(tx leave.Tx) error {
		var err error
		res, err = l.AppendTx(ctx, tx, in)
		return err
	})
	return res, err
}

// AppendTx writes one entry inside the caller's unit. Callers that need the
// entry to land together with other writes (a request status change) use
// this under Update.
func (l *Ledger) AppendTx(ctx context.Context, tx leave.Tx, in AppendInput) (AppendResult, error) {
	if err := checkAmount(in); err != nil {
		return AppendResult{}, err
	}

	// The lock comes first: the guard and the resulting balance must both
	// read what the previous holder committed.
	prev, err := tx.LockSnapshot(ctx, in.Key)
	if err != nil {
		return AppendResult{}, fmt.Errorf("lock snapshot %s: %w", in.Key, err)
	}

	if in.RequestID != "" {
		skip, existing, err := l.guard(ctx, tx, in)
		if err != nil {
			return AppendResult{}, err
		}
		if skip {
			res := AppendResult{Entry: existing, Skipped: true}
			if prev != nil {
				res.Snapshot = *prev
			}
			l.logger.Info("ledger append skipped by idempotency guard",
				zap.String("key", in.Key.String()),
				zap.String("kind", string(in.Kind)),
				zap.String("request_id", string(in.RequestID)))
			return res, nil
		}
	}

	var snap leave.BalanceSnapshot
	var expected int64
	if prev != nil {
		snap = *prev
		expected = prev.Version
	} else {
		snap = leave.BalanceSnapshot{Key: in.Key}
	}

	now := l.clock.Now()
	entry := leave.LedgerEntry{
		ID:               l.newID(),
		OrgID:            in.Key.OrgID,
		EmployeeID:       in.Key.EmployeeID,
		PolicyID:         in.Key.PolicyID,
		Year:             in.Key.Year,
		Sequence:         expected + 1,
		Kind:             in.Kind,
		Amount:           in.Amount,
		ResultingBalance: snap.CurrentBalance.Add(in.Amount),
		Description:      leave.Describe(in.Tag, in.RequestID, in.Text),
		RequestID:        in.RequestID,
		CreatedAt:        now,
	}

	apply(&snap, in)
	snap.Version = expected + 1
	snap.UpdatedAt = now

	if err := tx.PutSnapshot(ctx, snap, expected); err != nil {
		if errors.Is(err, leave.ErrConcurrencyConflict) {
			return AppendResult{}, &keyedConflict{key: in.Key, err: err}
		}
		return AppendResult{}, fmt.Errorf("write snapshot %s: %w", in.Key, err)
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, leave.ErrConcurrencyConflict) {
			return AppendResult{}, &keyedConflict{key: in.Key, err: err}
		}
		return AppendResult{}, fmt.Errorf("insert entry %s: %w", in.Key, err)
	}

	l.logger.Debug("ledger entry appended",
		zap.String("key", in.Key.String()),
		zap.String("kind", string(entry.Kind)),
		zap.String("amount", entry.Amount.String()),
		zap.String("resulting_balance", entry.ResultingBalance.String()),
		zap.Int64("sequence", entry.Sequence))

	return AppendResult{Entry: entry, Snapshot: snap}, nil
}

// apply moves the snapshot fields for one entry.
func apply(snap *leave.BalanceSnapshot, in AppendInput) {
	snap.CurrentBalance = snap.CurrentBalance.Add(in.Amount)
	switch in.Kind {
	case leave.EntryGrant:
		snap.TotalEntitlement = snap.TotalEntitlement.Add(in.Amount)
		if in.CarryForward {
			snap.CarryForward = snap.CarryForward.Add(in.Amount)
		}
	case leave.EntryDeduction, leave.EntryPendingDeduction, leave.EntryCredit:
		snap.UsedBalance = snap.UsedBalance.Sub(in.Amount)
	}
}

func checkAmount(in AppendInput) error {
	if !in.Kind.IsValid() {
		return fmt.Errorf("%w: unknown entry kind %q", leave.ErrInvalidAmount, in.Kind)
	}
	switch {
	case in.Kind.IsDeduction() && !in.Amount.IsNegative():
		return fmt.Errorf("%w: %s must be negative, got %s", leave.ErrInvalidAmount, in.Kind, in.Amount)
	case in.Kind == leave.EntryCredit && !in.Amount.IsPositive():
		return fmt.Errorf("%w: credit must be positive, got %s", leave.ErrInvalidAmount, in.Amount)
	}
	return nil
}

// guard implements the request idempotency rules. It scans every year of
// the employee's ledger for the policy since a request is only ever
// charged to one year.
func (l *Ledger) guard(ctx context.Context, tx leave.Tx, in AppendInput) (bool, leave.LedgerEntry, error) {
	if in.Kind == leave.EntryGrant {
		return false, leave.LedgerEntry{}, nil
	}
	entries, err := tx.ListEntries(ctx, leave.EntryFilter{
		OrgID:      in.Key.OrgID,
		EmployeeID: in.Key.EmployeeID,
		PolicyID:   in.Key.PolicyID,
		RequestID:  in.RequestID,
	})
	if err != nil {
		return false, leave.LedgerEntry{}, fmt.Errorf("scan entries for request %s: %w", in.RequestID, err)
	}

	if in.Kind.IsDeduction() {
		for _, e := range entries {
			if e.Kind.IsDeduction() {
				return true, e, nil
			}
		}
		return false, leave.LedgerEntry{}, nil
	}

	// credit: only while deductions outnumber credits for this request
	outstanding := 0
	for _, e := range entries {
		switch {
		case e.Kind.IsDeduction():
			outstanding++
		case e.Kind == leave.EntryCredit:
			outstanding--
		}
	}
	return outstanding <= 0, leave.LedgerEntry{}, nil
}

// =============================================================================
// READS
// =============================================================================

// Snapshot returns the snapshot for key or a *leave.NotFoundError.
func (l *Ledger) Snapshot(ctx context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	snap, err := l.store.GetSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &leave.NotFoundError{Resource: "balance", ID: key.String()}
	}
	return snap, nil
}

func (l *Ledger) Entries(ctx context.Context, filter leave.EntryFilter) ([]leave.LedgerEntry, error) {
	return l.store.ListEntries(ctx, filter)
}

// HasOutstandingDeduction reports whether request still holds days.
func HasOutstandingDeduction(entries []leave.LedgerEntry, id leave.RequestID) bool {
	n := 0
	for _, e := range entries {
		if !leave.ReferencesRequest(e.Description, id) {
			continue
		}
		switch {
		case e.Kind.IsDeduction():
			n++
		case e.Kind == leave.EntryCredit:
			n--
		}
	}
	return n > 0
}
