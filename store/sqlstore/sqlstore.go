/*
Package sqlstore provides a database/sql implementation of leave.Store.

PURPOSE:
  Persists the ledger, snapshots, requests, policies, assignments and
  blackout periods in SQLite (go-sqlite3) or PostgreSQL (pgx). The same
  queries serve both; the dialect only rewrites placeholders and adds row
  locks.

APPEND-ONLY ENFORCEMENT:
  ledger_entries is only ever INSERTed into. There is no UPDATE or DELETE
  statement for it anywhere in this package.

KEY TABLES:
  ledger_entries:  Immutable balance changes, UNIQUE per (key, sequence)
  snapshots:       Cached balances, PRIMARY KEY per key, version column
  requests:        Leave requests; history and documents kept as JSON
  policies:        Policy configuration as JSON, keyed by (org, id)
  assignments:     Employee-to-policy links
  blackouts:       Blackout periods as JSON

CONCURRENCY:
  PostgreSQL: LockSnapshot and LockRequest are SELECT ... FOR UPDATE.
  Callers take them before reading anything the unit decides on, so under
  READ COMMITTED every later statement sees what the previous holder
  committed. Two units racing to create the same snapshot collide on the
  primary key; the loser gets ErrConcurrencyConflict and the ledger
  retries it.
  SQLite: every transaction starts with BEGIN IMMEDIATE (_txlock), so
  writers are serialized by the database file lock. One connection is
  used, which also keeps ":memory:" databases alive.

USAGE:
  st, err := sqlstore.Open("sqlite", "leave.db", logger)
  if err != nil {
      return err
  }
  defer st.Close()

SEE ALSO:
  - leave/store.go: Interface definitions
  - store/memory:   In-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store implements leave.Store.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// Open connects, applies the schema and returns the store.
func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case DriverSQLite:
		d = sqliteDialect{}
		db, err = sql.Open("sqlite3", sqliteDSN(dsn))
		if err == nil {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
	case DriverPostgres:
		d = postgresDialect{}
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, &leave.ConfigurationError{Reason: fmt.Sprintf("unknown database driver %q", driver)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dialect: d, logger: logger.Named("sqlstore")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s.logger.Info("database ready", zap.String("driver", driver))
	return s, nil
}

func sqliteDSN(dsn string) string {
	params := "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	if dsn == ":memory:" {
		return "file::memory:?" + params
	}
	if !strings.Contains(dsn, "?") {
		return dsn + "?" + params + "&_journal_mode=WAL"
	}
	return dsn + "&" + params
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// DIALECTS
// =============================================================================

type dialect interface {
	// rebind rewrites '?' placeholders.
	rebind(query string) string
	// forUpdate is appended to a SELECT that must lock its row.
	forUpdate() string
	isUniqueViolation(err error) bool
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(q string) string { return q }
func (sqliteDialect) forUpdate() string      { return "" }
func (sqliteDialect) isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

type postgresDialect struct{}

func (postgresDialect) rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) forUpdate() string { return " FOR UPDATE" }

func (postgresDialect) isUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

// =============================================================================
// SCHEMA
// =============================================================================

// Amounts are stored as TEXT so decimals survive both engines unchanged.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		org_id BIGINT NOT NULL,
		id TEXT NOT NULL,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (org_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		org_id BIGINT NOT NULL,
		employee_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (org_id, employee_id, policy_id)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		org_id BIGINT NOT NULL,
		employee_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		total_entitlement TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		used_balance TEXT NOT NULL,
		carry_forward TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (org_id, employee_id, policy_id, year)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		employee_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		sequence BIGINT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		resulting_balance TEXT NOT NULL,
		description TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (org_id, employee_id, policy_id, year, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_request
		ON ledger_entries (org_id, request_id)`,
	`CREATE TABLE IF NOT EXISTS requests (
		org_id BIGINT NOT NULL,
		id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		PRIMARY KEY (org_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_employee
		ON requests (org_id, employee_id, start_date)`,
	`CREATE TABLE IF NOT EXISTS blackouts (
		id TEXT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		start_date TEXT NOT NULL,
		payload_json TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(leave.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if s.dialect.isUniqueViolation(err) || isBusy(err) {
			return leave.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{reader{q: sqlTx, d: s.dialect}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isBusy(err) {
			return leave.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}

func (s *Store) read() reader { return reader{q: s.db, d: s.dialect} }

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetPolicy(ctx context.Context, org leave.OrgID, id leave.PolicyID) (*leave.Policy, error) {
	return s.read().GetPolicy(ctx, org, id)
}

func (s *Store) ListPolicies(ctx context.Context, org leave.OrgID) ([]leave.Policy, error) {
	return s.read().ListPolicies(ctx, org)
}

func (s *Store) ListOrgs(ctx context.Context) ([]leave.OrgID, error) {
	return s.read().ListOrgs(ctx)
}

func (s *Store) GetAssignment(ctx context.Context, org leave.OrgID, emp leave.EmployeeID, policy leave.PolicyID) (*leave.Assignment, error) {
	return s.read().GetAssignment(ctx, org, emp, policy)
}

func (s *Store) ListAssignments(ctx context.Context, org leave.OrgID) ([]leave.Assignment, error) {
	return s.read().ListAssignments(ctx, org)
}

func (s *Store) GetRequest(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	return s.read().GetRequest(ctx, org, id)
}

func (s *Store) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	return s.read().ListRequests(ctx, f)
}

func (s *Store) GetSnapshot(ctx context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	return s.read().GetSnapshot(ctx, key)
}

func (s *Store) ListEntries(ctx context.Context, f leave.EntryFilter) ([]leave.LedgerEntry, error) {
	return s.read().ListEntries(ctx, f)
}

func (s *Store) ListBlackouts(ctx context.Context, org leave.OrgID) ([]leave.BlackoutPeriod, error) {
	return s.read().ListBlackouts(ctx, org)
}

// reader runs queries against either the pool or an open transaction.
type reader struct {
	q queryer
	d dialect
}

func (r reader) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.d.rebind(q), args...)
}

func (r reader) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.d.rebind(q), args...)
}

func (r reader) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.d.rebind(q), args...)
}

func (r reader) GetPolicy(ctx context.Context, org leave.OrgID, id leave.PolicyID) (*leave.Policy, error) {
	var raw string
	err := r.queryRow(ctx, `SELECT config_json FROM policies WHERE org_id = ? AND id = ?`, org, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &leave.NotFoundError{Resource: "policy", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	var p leave.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", id, err)
	}
	return &p, nil
}

func (r reader) ListPolicies(ctx context.Context, org leave.OrgID) ([]leave.Policy, error) {
	rows, err := r.query(ctx, `SELECT config_json FROM policies WHERE org_id = ? ORDER BY id`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var out []leave.Policy
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p leave.Policy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r reader) ListOrgs(ctx context.Context) ([]leave.OrgID, error) {
	rows, err := r.query(ctx, `SELECT DISTINCT org_id FROM policies ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orgs: %w", err)
	}
	defer rows.Close()

	var out []leave.OrgID
	for rows.Next() {
		var org int64
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		out = append(out, leave.OrgID(org))
	}
	return out, rows.Err()
}

const assignmentColumns = `org_id, employee_id, policy_id, effective_from, created_at`

func scanAssignment(sc interface{ Scan(...any) error }) (leave.Assignment, error) {
	var (
		a                    leave.Assignment
		org                  int64
		emp, policy          string
		effective, createdAt string
	)
	if err := sc.Scan(&org, &emp, &policy, &effective, &createdAt); err != nil {
		return a, err
	}
	a.OrgID, a.EmployeeID, a.PolicyID = leave.OrgID(org), leave.EmployeeID(emp), leave.PolicyID(policy)
	a.EffectiveFrom, _ = leave.ParseDate(effective)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func (r reader) GetAssignment(ctx context.Context, org leave.OrgID, emp leave.EmployeeID, policy leave.PolicyID) (*leave.Assignment, error) {
	a, err := scanAssignment(r.queryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE org_id = ? AND employee_id = ? AND policy_id = ?`,
		org, emp, policy))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &leave.NotFoundError{Resource: "assignment", ID: string(emp) + "/" + string(policy)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

func (r reader) ListAssignments(ctx context.Context, org leave.OrgID) ([]leave.Assignment, error) {
	rows, err := r.query(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE org_id = ? ORDER BY employee_id, policy_id`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []leave.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r reader) GetRequest(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	return r.request(ctx, org, id, "")
}

func (r reader) request(ctx context.Context, org leave.OrgID, id leave.RequestID, lock string) (*leave.LeaveRequest, error) {
	var raw string
	err := r.queryRow(ctx, `SELECT payload_json FROM requests WHERE org_id = ? AND id = ?`+lock, org, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &leave.NotFoundError{Resource: "request", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	var req leave.LeaveRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &req, nil
}

func (r reader) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.OrgID != 0 {
		where, args = append(where, "org_id = ?"), append(args, f.OrgID)
	}
	if f.EmployeeID != "" {
		where, args = append(where, "employee_id = ?"), append(args, f.EmployeeID)
	}
	if f.PolicyID != "" {
		where, args = append(where, "policy_id = ?"), append(args, f.PolicyID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	rows, err := r.query(ctx, `SELECT payload_json FROM requests`+whereClause(where)+` ORDER BY start_date, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []leave.LeaveRequest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var req leave.LeaveRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const snapshotColumns = `org_id, employee_id, policy_id, year, total_entitlement, current_balance,
	used_balance, carry_forward, version, updated_at`

func (r reader) snapshot(ctx context.Context, key leave.BalanceKey, lock string) (*leave.BalanceSnapshot, error) {
	var (
		snap                          leave.BalanceSnapshot
		org                           int64
		emp, policy                   string
		total, current, used, carried string
		updatedAt                     string
	)
	err := r.queryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE org_id = ? AND employee_id = ? AND policy_id = ? AND year = ?`+lock,
		key.OrgID, key.EmployeeID, key.PolicyID, key.Year,
	).Scan(&org, &emp, &policy, &snap.Key.Year, &total, &current, &used, &carried, &snap.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", key, err)
	}
	snap.Key.OrgID, snap.Key.EmployeeID, snap.Key.PolicyID = leave.OrgID(org), leave.EmployeeID(emp), leave.PolicyID(policy)
	if snap.TotalEntitlement, err = decimal.NewFromString(total); err == nil {
		if snap.CurrentBalance, err = decimal.NewFromString(current); err == nil {
			if snap.UsedBalance, err = decimal.NewFromString(used); err == nil {
				snap.CarryForward, err = decimal.NewFromString(carried)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	snap.UpdatedAt = parseTime(updatedAt)
	return &snap, nil
}

func (r reader) GetSnapshot(ctx context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	return r.snapshot(ctx, key, "")
}

const entryColumns = `id, org_id, employee_id, policy_id, year, sequence, kind, amount,
	resulting_balance, description, request_id, created_at`

func (r reader) ListEntries(ctx context.Context, f leave.EntryFilter) ([]leave.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.OrgID != 0 {
		where, args = append(where, "org_id = ?"), append(args, f.OrgID)
	}
	if f.EmployeeID != "" {
		where, args = append(where, "employee_id = ?"), append(args, f.EmployeeID)
	}
	if f.PolicyID != "" {
		where, args = append(where, "policy_id = ?"), append(args, f.PolicyID)
	}
	if f.Year != 0 {
		where, args = append(where, "year = ?"), append(args, f.Year)
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}

	rows, err := r.query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries`+whereClause(where)+
			` ORDER BY year, policy_id, employee_id, sequence`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []leave.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		// The request marker lives in the description.
		if f.RequestID != "" && !f.Matches(e) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (leave.LedgerEntry, error) {
	var (
		e                 leave.LedgerEntry
		org               int64
		emp, policy       string
		kind, requestID   string
		amount, resulting string
		createdAt         string
	)
	err := rows.Scan(&e.ID, &org, &emp, &policy, &e.Year, &e.Sequence, &kind,
		&amount, &resulting, &e.Description, &requestID, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.OrgID, e.EmployeeID, e.PolicyID = leave.OrgID(org), leave.EmployeeID(emp), leave.PolicyID(policy)
	e.Kind, e.RequestID = leave.EntryKind(kind), leave.RequestID(requestID)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("decode amount of entry %s: %w", e.ID, err)
	}
	if e.ResultingBalance, err = decimal.NewFromString(resulting); err != nil {
		return e, fmt.Errorf("decode balance of entry %s: %w", e.ID, err)
	}
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func (r reader) ListBlackouts(ctx context.Context, org leave.OrgID) ([]leave.BlackoutPeriod, error) {
	rows, err := r.query(ctx, `SELECT payload_json FROM blackouts WHERE org_id = ? ORDER BY start_date, id`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list blackouts: %w", err)
	}
	defer rows.Close()

	var out []leave.BlackoutPeriod
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var b leave.BlackoutPeriod
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("decode blackout: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// WRITES (leave.Tx)
// =============================================================================

type txView struct {
	reader
}

func (tv *txView) LockSnapshot(ctx context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	return tv.snapshot(ctx, key, tv.d.forUpdate())
}

// LockRequest holds the request row so two transitions of one request
// run one after the other and the second sees the first's status.
func (tv *txView) LockRequest(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	return tv.request(ctx, org, id, tv.d.forUpdate())
}

func (tv *txView) PutSnapshot(ctx context.Context, snap leave.BalanceSnapshot, expected int64) error {
	k := snap.Key
	if expected == 0 {
		_, err := tv.exec(ctx,
			`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			k.OrgID, k.EmployeeID, k.PolicyID, k.Year,
			snap.TotalEntitlement.String(), snap.CurrentBalance.String(),
			snap.UsedBalance.String(), snap.CarryForward.String(),
			snap.Version, formatTime(snap.UpdatedAt))
		if err != nil {
			if tv.d.isUniqueViolation(err) {
				return leave.ErrConcurrencyConflict
			}
			return fmt.Errorf("failed to insert snapshot %s: %w", k, err)
		}
		return nil
	}

	res, err := tv.exec(ctx,
		`UPDATE snapshots SET total_entitlement = ?, current_balance = ?, used_balance = ?,
			carry_forward = ?, version = ?, updated_at = ?
		WHERE org_id = ? AND employee_id = ? AND policy_id = ? AND year = ? AND version = ?`,
		snap.TotalEntitlement.String(), snap.CurrentBalance.String(),
		snap.UsedBalance.String(), snap.CarryForward.String(),
		snap.Version, formatTime(snap.UpdatedAt),
		k.OrgID, k.EmployeeID, k.PolicyID, k.Year, expected)
	if err != nil {
		return fmt.Errorf("failed to update snapshot %s: %w", k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update snapshot %s: %w", k, err)
	}
	if n == 0 {
		return leave.ErrConcurrencyConflict
	}
	return nil
}

func (tv *txView) InsertEntry(ctx context.Context, e leave.LedgerEntry) error {
	_, err := tv.exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.EmployeeID, e.PolicyID, e.Year, e.Sequence, string(e.Kind),
		e.Amount.String(), e.ResultingBalance.String(), e.Description, e.RequestID,
		formatTime(e.CreatedAt))
	if err != nil {
		if tv.d.isUniqueViolation(err) {
			return leave.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (tv *txView) SaveRequest(ctx context.Context, req leave.LeaveRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	_, err = tv.exec(ctx,
		`INSERT INTO requests (org_id, id, employee_id, policy_id, start_date, status, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, id) DO UPDATE SET
			employee_id = excluded.employee_id, policy_id = excluded.policy_id,
			start_date = excluded.start_date, status = excluded.status,
			payload_json = excluded.payload_json`,
		req.OrgID, req.ID, req.EmployeeID, req.PolicyID,
		leave.FormatDate(req.StartDate), string(req.Status), string(raw))
	if err != nil {
		return fmt.Errorf("failed to save request %s: %w", req.ID, err)
	}
	return nil
}

func (tv *txView) SavePolicy(ctx context.Context, p leave.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	_, err = tv.exec(ctx,
		`INSERT INTO policies (org_id, id, config_json, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (org_id, id) DO UPDATE SET
			config_json = excluded.config_json, updated_at = excluded.updated_at`,
		p.OrgID, p.ID, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save policy %s: %w", p.ID, err)
	}
	return nil
}

func (tv *txView) SaveAssignment(ctx context.Context, a leave.Assignment) error {
	_, err := tv.exec(ctx,
		`INSERT INTO assignments (`+assignmentColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (org_id, employee_id, policy_id) DO UPDATE SET
			effective_from = excluded.effective_from`,
		a.OrgID, a.EmployeeID, a.PolicyID, leave.FormatDate(a.EffectiveFrom), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

func (tv *txView) SaveBlackout(ctx context.Context, b leave.BlackoutPeriod) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode blackout %s: %w", b.ID, err)
	}
	_, err = tv.exec(ctx,
		`INSERT INTO blackouts (id, org_id, start_date, payload_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			start_date = excluded.start_date, payload_json = excluded.payload_json`,
		b.ID, b.OrgID, leave.FormatDate(b.StartDate), string(raw))
	if err != nil {
		return fmt.Errorf("failed to save blackout %s: %w", b.ID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
