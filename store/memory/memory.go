// Package memory provides an in-memory leave.Store. It backs the test
// suites and single-process demos; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory serializes transactions behind one mutex. A unit records an undo
// step for every write and replays them in reverse if fn fails, so a
// half-applied unit is never visible and rollback costs only what the unit
// touched.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type policyKey struct {
	org leave.OrgID
	id  leave.PolicyID
}

type assignmentKey struct {
	org    leave.OrgID
	emp    leave.EmployeeID
	policy leave.PolicyID
}

type requestKey struct {
	org leave.OrgID
	id  leave.RequestID
}

type state struct {
	policies    map[policyKey]leave.Policy
	assignments map[assignmentKey]leave.Assignment
	requests    map[requestKey]leave.LeaveRequest
	snapshots   map[leave.BalanceKey]leave.BalanceSnapshot
	entries     map[leave.BalanceKey][]leave.LedgerEntry
	blackouts   map[string]leave.BlackoutPeriod
}

func newState() *state {
	return &state{
		policies:    make(map[policyKey]leave.Policy),
		assignments: make(map[assignmentKey]leave.Assignment),
		requests:    make(map[requestKey]leave.LeaveRequest),
		snapshots:   make(map[leave.BalanceKey]leave.BalanceSnapshot),
		entries:     make(map[leave.BalanceKey][]leave.LedgerEntry),
		blackouts:   make(map[string]leave.BlackoutPeriod),
	}
}

func New() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(leave.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tv := &txView{st: m.st}
	if err := fn(tv); err != nil {
		tv.rollback()
		return err
	}
	return nil
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (m *Memory) GetPolicy(ctx context.Context, org leave.OrgID, id leave.PolicyID) (*leave.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getPolicy(org, id)
}

func (m *Memory) ListPolicies(ctx context.Context, org leave.OrgID) ([]leave.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPolicies(org), nil
}

func (m *Memory) ListOrgs(ctx context.Context) ([]leave.OrgID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listOrgs(), nil
}

func (m *Memory) GetAssignment(ctx context.Context, org leave.OrgID, emp leave.EmployeeID, policy leave.PolicyID) (*leave.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAssignment(org, emp, policy)
}

func (m *Memory) ListAssignments(ctx context.Context, org leave.OrgID) ([]leave.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAssignments(org), nil
}

func (m *Memory) GetRequest(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getRequest(org, id)
}

func (m *Memory) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRequests(f), nil
}

func (m *Memory) GetSnapshot(ctx context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSnapshot(key), nil
}

func (m *Memory) ListEntries(ctx context.Context, f leave.EntryFilter) ([]leave.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listEntries(f), nil
}

func (m *Memory) ListBlackouts(ctx context.Context, org leave.OrgID) ([]leave.BlackoutPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBlackouts(org), nil
}

// =============================================================================
// TRANSACTIONAL VIEW (mutex already held)
// =============================================================================

type txView struct {
	st   *state
	undo []func()
}

func (tv *txView) rollback() {
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.undo[i]()
	}
	tv.undo = nil
}

// remember queues the restoration of m[k] to its current value.
func remember[K comparable, V any](tv *txView, m map[K]V, k K) {
	prev, ok := m[k]
	tv.undo = append(tv.undo, func() {
		if ok {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func (tv *txView) GetPolicy(_ context.Context, org leave.OrgID, id leave.PolicyID) (*leave.Policy, error) {
	return tv.st.getPolicy(org, id)
}

func (tv *txView) ListPolicies(_ context.Context, org leave.OrgID) ([]leave.Policy, error) {
	return tv.st.listPolicies(org), nil
}

func (tv *txView) ListOrgs(context.Context) ([]leave.OrgID, error) { return tv.st.listOrgs(), nil }

func (tv *txView) GetAssignment(_ context.Context, org leave.OrgID, emp leave.EmployeeID, policy leave.PolicyID) (*leave.Assignment, error) {
	return tv.st.getAssignment(org, emp, policy)
}

func (tv *txView) ListAssignments(_ context.Context, org leave.OrgID) ([]leave.Assignment, error) {
	return tv.st.listAssignments(org), nil
}

func (tv *txView) GetRequest(_ context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	return tv.st.getRequest(org, id)
}

func (tv *txView) ListRequests(_ context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	return tv.st.listRequests(f), nil
}

func (tv *txView) GetSnapshot(_ context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	return tv.st.getSnapshot(key), nil
}

func (tv *txView) ListEntries(_ context.Context, f leave.EntryFilter) ([]leave.LedgerEntry, error) {
	return tv.st.listEntries(f), nil
}

func (tv *txView) ListBlackouts(_ context.Context, org leave.OrgID) ([]leave.BlackoutPeriod, error) {
	return tv.st.listBlackouts(org), nil
}

// LockSnapshot needs no extra locking: the store mutex is held for the
// whole unit.
func (tv *txView) LockSnapshot(_ context.Context, key leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	return tv.st.getSnapshot(key), nil
}

// LockRequest is GetRequest; the store mutex already excludes other units.
func (tv *txView) LockRequest(_ context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	return tv.st.getRequest(org, id)
}

func (tv *txView) PutSnapshot(_ context.Context, snap leave.BalanceSnapshot, expected int64) error {
	cur, ok := tv.st.snapshots[snap.Key]
	switch {
	case expected == 0 && ok:
		return leave.ErrConcurrencyConflict
	case expected != 0 && (!ok || cur.Version != expected):
		return leave.ErrConcurrencyConflict
	}
	remember(tv, tv.st.snapshots, snap.Key)
	tv.st.snapshots[snap.Key] = snap
	return nil
}

func (tv *txView) InsertEntry(_ context.Context, e leave.LedgerEntry) error {
	k := e.Key()
	for _, existing := range tv.st.entries[k] {
		if existing.Sequence == e.Sequence {
			return leave.ErrConcurrencyConflict
		}
	}
	remember(tv, tv.st.entries, k)
	// A fresh slice keeps the remembered one intact.
	next := make([]leave.LedgerEntry, 0, len(tv.st.entries[k])+1)
	tv.st.entries[k] = append(append(next, tv.st.entries[k]...), e)
	return nil
}

func (tv *txView) SaveRequest(_ context.Context, r leave.LeaveRequest) error {
	k := requestKey{r.OrgID, r.ID}
	remember(tv, tv.st.requests, k)
	tv.st.requests[k] = cloneRequest(r)
	return nil
}

func (tv *txView) SavePolicy(_ context.Context, p leave.Policy) error {
	k := policyKey{p.OrgID, p.ID}
	remember(tv, tv.st.policies, k)
	tv.st.policies[k] = p
	return nil
}

func (tv *txView) SaveAssignment(_ context.Context, a leave.Assignment) error {
	k := assignmentKey{a.OrgID, a.EmployeeID, a.PolicyID}
	remember(tv, tv.st.assignments, k)
	tv.st.assignments[k] = a
	return nil
}

func (tv *txView) SaveBlackout(_ context.Context, b leave.BlackoutPeriod) error {
	remember(tv, tv.st.blackouts, b.ID)
	tv.st.blackouts[b.ID] = b
	return nil
}

// =============================================================================
// STATE QUERIES
// =============================================================================

func (s *state) getPolicy(org leave.OrgID, id leave.PolicyID) (*leave.Policy, error) {
	p, ok := s.policies[policyKey{org, id}]
	if !ok {
		return nil, &leave.NotFoundError{Resource: "policy", ID: string(id)}
	}
	return &p, nil
}

func (s *state) listPolicies(org leave.OrgID) []leave.Policy {
	var out []leave.Policy
	for k, p := range s.policies {
		if k.org == org {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) listOrgs() []leave.OrgID {
	seen := make(map[leave.OrgID]bool)
	for k := range s.policies {
		seen[k.org] = true
	}
	out := make([]leave.OrgID, 0, len(seen))
	for org := range seen {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *state) getAssignment(org leave.OrgID, emp leave.EmployeeID, policy leave.PolicyID) (*leave.Assignment, error) {
	a, ok := s.assignments[assignmentKey{org, emp, policy}]
	if !ok {
		return nil, &leave.NotFoundError{Resource: "assignment", ID: string(emp) + "/" + string(policy)}
	}
	return &a, nil
}

func (s *state) listAssignments(org leave.OrgID) []leave.Assignment {
	var out []leave.Assignment
	for k, a := range s.assignments {
		if k.org == org {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EmployeeID != out[j].EmployeeID {
			return out[i].EmployeeID < out[j].EmployeeID
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	return out
}

func (s *state) getRequest(org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	r, ok := s.requests[requestKey{org, id}]
	if !ok {
		return nil, &leave.NotFoundError{Resource: "request", ID: string(id)}
	}
	c := cloneRequest(r)
	return &c, nil
}

func (s *state) listRequests(f leave.RequestFilter) []leave.LeaveRequest {
	var out []leave.LeaveRequest
	for _, r := range s.requests {
		if f.Matches(r) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) getSnapshot(key leave.BalanceKey) *leave.BalanceSnapshot {
	snap, ok := s.snapshots[key]
	if !ok {
		return nil
	}
	return &snap
}

func (s *state) listEntries(f leave.EntryFilter) []leave.LedgerEntry {
	var out []leave.LedgerEntry
	for _, entries := range s.entries {
		for _, e := range entries {
			if f.Matches(e) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.PolicyID != b.PolicyID {
			return a.PolicyID < b.PolicyID
		}
		if a.EmployeeID != b.EmployeeID {
			return a.EmployeeID < b.EmployeeID
		}
		return a.Sequence < b.Sequence
	})
	return out
}

func (s *state) listBlackouts(org leave.OrgID) []leave.BlackoutPeriod {
	var out []leave.BlackoutPeriod
	for _, b := range s.blackouts {
		if b.OrgID == org {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

// cloneRequest copies slices so callers never alias stored state.
func cloneRequest(r leave.LeaveRequest) leave.LeaveRequest {
	r.ApprovalHistory = append([]leave.ApprovalAction(nil), r.ApprovalHistory...)
	r.Documents = append([]leave.DocumentRef(nil), r.Documents...)
	return r
}
