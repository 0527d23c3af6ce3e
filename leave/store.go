/*
store.go - Persistence contracts for the leave engine

PURPOSE:
  Defines the interface between the engine and the database. The ledger
  table is the system of record; balance snapshots are a rebuildable cache
  that must move in lock-step with it.

KEY INTERFACES:
  ReadStore: Queries, safe outside a transaction
  Tx:        Everything a single atomic unit may do
  Store:     ReadStore + WithTx

APPEND-ONLY CONTRACT:
  Tx has InsertEntry and no way to update or delete an entry. Corrections
  are new entries (credits, reconciling grants).

LOCKING:
  LockSnapshot reads a snapshot and holds it for the rest of the unit
  (SELECT ... FOR UPDATE on PostgreSQL, an immediate write transaction on
  SQLite, the store mutex in memory). PutSnapshot is additionally a
  compare-and-swap on Version; a mismatch or a duplicate first insert
  returns ErrConcurrencyConflict so the caller can retry the whole unit.

IMPLEMENTATIONS:
  - store/memory:   In-memory, for tests and local runs
  - store/sqlstore: SQLite (go-sqlite3) and PostgreSQL (pgx)

SEE ALSO:
  - ledger/ledger.go: The only writer of entries and snapshots
*/
package leave

import (
	"context"
	"time"
)

// RequestFilter selects leave requests. Zero values match everything.
type RequestFilter struct {
	OrgID      OrgID
	EmployeeID EmployeeID
	PolicyID   PolicyID
	Statuses   []Status
}

// EntryFilter selects ledger entries. Results are ordered by year then
// sequence.
type EntryFilter struct {
	OrgID      OrgID
	EmployeeID EmployeeID
	PolicyID   PolicyID // empty = every policy
	Year       int      // 0 = every year
	Kinds      []EntryKind
	// RequestID restricts to entries whose description carries the marker.
	RequestID RequestID
}

// Matches applies the filter in memory. Stores that cannot express a
// clause in their query language use it to post-filter.
func (f EntryFilter) Matches(e LedgerEntry) bool {
	if f.OrgID != 0 && e.OrgID != f.OrgID {
		return false
	}
	if f.EmployeeID != "" && e.EmployeeID != f.EmployeeID {
		return false
	}
	if f.PolicyID != "" && e.PolicyID != f.PolicyID {
		return false
	}
	if f.Year != 0 && e.Year != f.Year {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RequestID != "" && !ReferencesRequest(e.Description, f.RequestID) {
		return false
	}
	return true
}

func (f RequestFilter) Matches(r LeaveRequest) bool {
	if f.OrgID != 0 && r.OrgID != f.OrgID {
		return false
	}
	if f.EmployeeID != "" && r.EmployeeID != f.EmployeeID {
		return false
	}
	if f.PolicyID != "" && r.PolicyID != f.PolicyID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// ReadStore holds the queries. Get* methods return a *NotFoundError for
// missing rows, except GetSnapshot which returns (nil, nil).
type ReadStore interface {
	GetPolicy(ctx context.Context, org OrgID, id PolicyID) (*Policy, error)
	ListPolicies(ctx context.Context, org OrgID) ([]Policy, error)
	ListOrgs(ctx context.Context) ([]OrgID, error)

	GetAssignment(ctx context.Context, org OrgID, emp EmployeeID, policy PolicyID) (*Assignment, error)
	ListAssignments(ctx context.Context, org OrgID) ([]Assignment, error)

	GetRequest(ctx context.Context, org OrgID, id RequestID) (*LeaveRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]LeaveRequest, error)

	GetSnapshot(ctx context.Context, key BalanceKey) (*BalanceSnapshot, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	ListBlackouts(ctx context.Context, org OrgID) ([]BlackoutPeriod, error)
}

// Tx is one atomic unit of work.
type Tx interface {
	ReadStore

	// LockSnapshot returns the snapshot (nil if none) and holds it until the
	// unit ends.
	LockSnapshot(ctx context.Context, key BalanceKey) (*BalanceSnapshot, error)

	// LockRequest is GetRequest holding the row until the unit ends. Every
	// status change reads the request through it.
	LockRequest(ctx context.Context, org OrgID, id RequestID) (*LeaveRequest, error)

	// PutSnapshot inserts when expectedVersion is 0, otherwise updates only
	// if the stored version still equals expectedVersion.
	PutSnapshot(ctx context.Context, snap BalanceSnapshot, expectedVersion int64) error

	InsertEntry(ctx context.Context, entry LedgerEntry) error

	SaveRequest(ctx context.Context, req LeaveRequest) error
	SavePolicy(ctx context.Context, p Policy) error
	SaveAssignment(ctx context.Context, a Assignment) error
	SaveBlackout(ctx context.Context, b BlackoutPeriod) error
}

// Store is the full persistence surface.
type Store interface {
	ReadStore
	// WithTx runs fn atomically. Any error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Clock returns the current instant. Components take one so tests can pin
// "today".
type Clock func() time.Time

// Today is the calendar date of the clock in UTC.
func (c Clock) Today() time.Time {
	if c == nil {
		return Day(time.Now().UTC())
	}
	return Day(c().UTC())
}

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
