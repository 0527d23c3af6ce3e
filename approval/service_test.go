package approval_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/balance"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
	"github.com/warp/leave-engine/validation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type weekdayCalendar struct {
	holidays map[string]string
	err      error
}

func (c weekdayCalendar) IsWorkingDay(_ context.Context, d time.Time) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	_, holiday := c.holidays[leave.FormatDate(d)]
	return !holiday && !leave.IsWeekend(d), nil
}

func (c weekdayCalendar) IsHoliday(_ context.Context, d time.Time) (string, bool, error) {
	if c.err != nil {
		return "", false, c.err
	}
	name, ok := c.holidays[leave.FormatDate(d)]
	return name, ok, nil
}

func (c weekdayCalendar) CountWorkingDays(_ context.Context, start, end time.Time) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if _, holiday := c.holidays[leave.FormatDate(d)]; !holiday && !leave.IsWeekend(d) {
			n++
		}
	}
	return n, nil
}

var _ validation.Calendar = weekdayCalendar{}

type env struct {
	store  *memory.Memory
	ledger *ledger.Ledger
	svc    *approval.Service
	ctx    context.Context
}

var today = leave.Date(2025, time.January, 2)

func newEnv(t *testing.T, cal validation.Calendar, p leave.Policy) *env {
	t.Helper()
	store := memory.New()
	clock := leave.Clock(func() time.Time { return today })
	l := ledger.New(store, nil, ledger.WithClock(clock))
	b := balance.New(l, nil, nil, balance.WithClock(clock))
	svc := approval.New(b, cal, nil, approval.WithClock(clock))
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx leave.Tx) error {
		if err := tx.SavePolicy(ctx, p); err != nil {
			return err
		}
		return tx.SaveAssignment(ctx, leave.Assignment{OrgID: 1, EmployeeID: "emp-1", PolicyID: p.ID})
	}))
	return &env{store: store, ledger: l, svc: svc, ctx: ctx}
}

func policy(mut ...func(*leave.Policy)) leave.Policy {
	a := decimal.NewFromInt(12)
	p := leave.Policy{
		ID: "annual", OrgID: 1, Name: "Annual", LeaveTypeName: "Annual",
		GrantMethod: leave.GrantInAdvance, GrantFrequency: leave.PerYear,
		AnnualAllotment: &a,
	}
	for _, m := range mut {
		m(&p)
	}
	return p
}

func withWorkflow(p *leave.Policy)  { p.WorkflowID = "wf-1" }
func withPreDeduct(p *leave.Policy) { p.WorkflowID = "wf-1"; p.DeductBeforeApproval = true }

func marchRequest() approval.SubmitInput {
	// Monday to Wednesday, 3 working days
	return approval.SubmitInput{
		OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual",
		Start: leave.Date(2025, time.March, 10), End: leave.Date(2025, time.March, 12),
	}
}

var key = leave.BalanceKey{OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual", Year: 2025}

func (e *env) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	snap, err := e.ledger.Snapshot(e.ctx, key)
	require.NoError(t, err)
	return snap.CurrentBalance
}

func (e *env) deductionsFor(t *testing.T, id leave.RequestID) int {
	t.Helper()
	entries, err := e.ledger.Entries(e.ctx, leave.EntryFilter{OrgID: 1, RequestID: id})
	require.NoError(t, err)
	n := 0
	for _, en := range entries {
		if en.Kind.IsDeduction() {
			n++
		}
	}
	return n
}

func (e *env) assertConserved(t *testing.T) {
	t.Helper()
	rec, err := e.ledger.Verify(e.ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "snapshot %s ledger %s", rec.SnapshotBalance, rec.LedgerSum)
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_NoWorkflowAutoApprovesAndDeducts(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy())

	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)

	assert.Equal(t, leave.StatusApproved, out.Request.Status)
	assert.True(t, out.Request.WorkingDays.Equal(decimal.NewFromInt(3)))
	require.NotNil(t, out.Entry)
	assert.Equal(t, leave.EntryDeduction, out.Entry.Kind)
	assert.True(t, leave.ReferencesRequest(out.Entry.Description, out.Request.ID))
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))
	e.assertConserved(t)

	saved, err := e.svc.Get(e.ctx, 1, out.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, saved.Status)
	require.Len(t, saved.ApprovalHistory, 1)
	assert.Equal(t, "submit", saved.ApprovalHistory[0].Event)
}

func TestSubmit_WorkflowWithoutPreDeductHoldsNothing(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(withWorkflow))

	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, out.Request.Status)
	assert.Nil(t, out.Entry)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(12)))

	out, err = e.svc.Approve(e.ctx, 1, out.Request.ID, "mgr")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Request.Status)
	require.NotNil(t, out.Entry)
	assert.Equal(t, leave.EntryDeduction, out.Entry.Kind)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))
}

func TestSubmit_ValidationFailureWritesNothing(t *testing.T) {
	// GIVEN: 12 days available, 15 working days requested
	e := newEnv(t, weekdayCalendar{}, policy())
	in := marchRequest()
	in.End = leave.Date(2025, time.March, 28)

	// WHEN: Submitting
	_, err := e.svc.Submit(e.ctx, in)

	// THEN: Full violation list, nothing persisted
	var ve *leave.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, validation.RuleBalance, ve.First().Rule)

	reqs, err := e.svc.List(e.ctx, leave.RequestFilter{OrgID: 1})
	require.NoError(t, err)
	assert.Empty(t, reqs)
	snap, err := e.store.GetSnapshot(e.ctx, key)
	require.NoError(t, err)
	assert.Nil(t, snap, "lazy seed rolled back with the failed unit")
}

func TestSubmit_InputErrors(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy())

	in := marchRequest()
	in.OrgID = 0
	_, err := e.svc.Submit(e.ctx, in)
	assert.ErrorIs(t, err, leave.ErrConfiguration)

	in = marchRequest()
	in.Start, in.End = in.End, in.Start
	_, err = e.svc.Submit(e.ctx, in)
	var ve *leave.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, approval.RuleDateRange, ve.First().Rule)

	in = marchRequest()
	in.Start, in.End = leave.Date(2025, time.March, 15), leave.Date(2025, time.March, 16)
	_, err = e.svc.Submit(e.ctx, in)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, approval.RuleDateRange, ve.First().Rule)

	in = marchRequest()
	in.EmployeeID = "emp-unassigned"
	_, err = e.svc.Submit(e.ctx, in)
	assert.True(t, leave.IsNotFound(err))
}

func TestSubmit_CalendarDownDegrades(t *testing.T) {
	e := newEnv(t, weekdayCalendar{err: errors.New("timeout")}, policy())

	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	assert.True(t, out.Request.WorkingDays.Equal(decimal.NewFromInt(3)))
	assert.NotEmpty(t, out.Warnings)
}

func TestSubmit_HolidayExcludedFromWorkingDaysButStillFlagged(t *testing.T) {
	cal := weekdayCalendar{holidays: map[string]string{"2025-03-11": "Founders Day"}}
	e := newEnv(t, cal, policy())

	_, err := e.svc.Submit(e.ctx, marchRequest())
	var ve *leave.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, validation.RuleHoliday, ve.First().Rule)
}

func TestSubmit_OverlapWithOwnPendingRequest(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(withWorkflow))

	_, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)

	in := marchRequest()
	in.Start, in.End = leave.Date(2025, time.March, 12), leave.Date(2025, time.March, 14)
	_, err = e.svc.Submit(e.ctx, in)
	var ve *leave.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, validation.RuleOverlap, ve.First().Rule)
}

func TestSubmit_ConcurrentSubmissionsNeverOverdraw(t *testing.T) {
	// GIVEN: 5 days available and 10 concurrent one-day requests
	e := newEnv(t, weekdayCalendar{}, policy(func(p *leave.Policy) {
		five := decimal.NewFromInt(5)
		p.AnnualAllotment = &five
	}))

	days := []int{3, 4, 5, 6, 7, 10, 11, 12, 13, 14}
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for _, d := range days {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			in := marchRequest()
			in.Start, in.End = leave.Date(2025, time.March, day), leave.Date(2025, time.March, day)
			_, err := e.svc.Submit(e.ctx, in)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, leave.ErrValidation) {
				rejected++
			}
		}(d)
	}
	wg.Wait()

	// THEN: Exactly 5 accepted, balance at zero, ledger conserved
	assert.Equal(t, 5, ok)
	assert.Equal(t, 5, rejected)
	assert.True(t, e.balance(t).IsZero())
	e.assertConserved(t)
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

func TestApprove_AfterPreDeductDoesNotDeductAgain(t *testing.T) {
	// GIVEN: Pre-workflow deduction recorded at submission
	e := newEnv(t, weekdayCalendar{}, policy(withPreDeduct))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	require.NotNil(t, out.Entry)
	assert.Equal(t, leave.EntryPendingDeduction, out.Entry.Kind)
	id := out.Request.ID

	// WHEN: Approved, then the approval event is replayed
	out, err = e.svc.Approve(e.ctx, 1, id, "mgr")
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Nil(t, out.Entry)

	_, err = e.svc.Approve(e.ctx, 1, id, "mgr")
	var te *leave.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, leave.StatusApproved, te.From)

	// THEN: Exactly one deduction-family entry for the request
	assert.Equal(t, 1, e.deductionsFor(t, id))
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))
	e.assertConserved(t)
}

func TestApprove_MultiStepWorkflow(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(withWorkflow, func(p *leave.Policy) { p.WorkflowSteps = 2 }))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)

	out, err = e.svc.Approve(e.ctx, 1, out.Request.ID, "lead")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, out.Request.Status)
	assert.Equal(t, 1, out.Request.CurrentStep)
	assert.Nil(t, out.Entry)

	out, err = e.svc.Approve(e.ctx, 1, out.Request.ID, "hr")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Request.Status)
	assert.NotNil(t, out.Entry)
	assert.Len(t, out.Request.ApprovalHistory, 3)
}

func TestApprove_FinalApprovalRechecksBalance(t *testing.T) {
	// GIVEN: 12 days, two pending 8-day requests that each fit alone
	e := newEnv(t, weekdayCalendar{}, policy(withWorkflow))
	first := marchRequest()
	first.End = leave.Date(2025, time.March, 19)
	second := marchRequest()
	second.Start, second.End = leave.Date(2025, time.April, 7), leave.Date(2025, time.April, 16)
	a, err := e.svc.Submit(e.ctx, first)
	require.NoError(t, err)
	b, err := e.svc.Submit(e.ctx, second)
	require.NoError(t, err)

	// WHEN: Both are approved
	_, err = e.svc.Approve(e.ctx, 1, a.Request.ID, "mgr")
	require.NoError(t, err)
	_, err = e.svc.Approve(e.ctx, 1, b.Request.ID, "mgr")

	// THEN: The second approval fails on balance and changes nothing
	var ve *leave.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, validation.RuleBalance, ve.First().Rule)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(4)))
	assert.Zero(t, e.deductionsFor(t, b.Request.ID))
	still, err := e.svc.Get(e.ctx, 1, b.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, still.Status)
	e.assertConserved(t)
}

func TestApprove_PreDeductedRequestIsNotRechecked(t *testing.T) {
	// GIVEN: A pre-deducted request that used the whole balance
	e := newEnv(t, weekdayCalendar{}, policy(withPreDeduct, func(p *leave.Policy) {
		three := decimal.NewFromInt(3)
		p.AnnualAllotment = &three
	}))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	require.True(t, e.balance(t).IsZero())

	// WHEN: Approved with nothing left
	out, err = e.svc.Approve(e.ctx, 1, out.Request.ID, "mgr")

	// THEN: The hold becomes the deduction, no second check
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Request.Status)
	assert.True(t, out.Skipped)
}

func TestApprove_ConcurrentApprovalsDeductOnce(t *testing.T) {
	// GIVEN: One pending request without pre-deduction
	e := newEnv(t, weekdayCalendar{}, policy(withWorkflow))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	id := out.Request.ID

	// WHEN: Eight approvers click at once
	var wg sync.WaitGroup
	var mu sync.Mutex
	approved, refused := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.svc.Approve(e.ctx, 1, id, fmt.Sprintf("mgr-%d", n))
			mu.Lock()
			defer mu.Unlock()
			var te *leave.TransitionError
			switch {
			case err == nil:
				approved++
			case errors.As(err, &te):
				refused++
			}
		}(i)
	}
	wg.Wait()

	// THEN: One approval, one deduction
	assert.Equal(t, 1, approved)
	assert.Equal(t, 7, refused)
	assert.Equal(t, 1, e.deductionsFor(t, id))
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))
	e.assertConserved(t)
}

// lockingStore records the reads and locks of every unit.
type lockingStore struct {
	*memory.Memory
	mu    sync.Mutex
	calls []string
}

func (s *lockingStore) WithTx(ctx context.Context, fn func(tx leave.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx leave.Tx) error {
		return fn(lockingTx{Tx: tx, s: s})
	})
}

func (s *lockingStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

type lockingTx struct {
	leave.Tx
	s *lockingStore
}

func (t lockingTx) GetRequest(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	t.s.record("GetRequest")
	return t.Tx.GetRequest(ctx, org, id)
}

func (t lockingTx) LockRequest(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	t.s.record("LockRequest")
	return t.Tx.LockRequest(ctx, org, id)
}

func (t lockingTx) GetSnapshot(ctx context.Context, k leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	t.s.record("GetSnapshot")
	return t.Tx.GetSnapshot(ctx, k)
}

func (t lockingTx) LockSnapshot(ctx context.Context, k leave.BalanceKey) (*leave.BalanceSnapshot, error) {
	t.s.record("LockSnapshot")
	return t.Tx.LockSnapshot(ctx, k)
}

func (t lockingTx) ListEntries(ctx context.Context, f leave.EntryFilter) ([]leave.LedgerEntry, error) {
	t.s.record("ListEntries")
	return t.Tx.ListEntries(ctx, f)
}

func (t lockingTx) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	t.s.record("ListRequests")
	return t.Tx.ListRequests(ctx, f)
}

func TestTransitions_LockBeforeReading(t *testing.T) {
	// GIVEN: A store that records what each unit reads
	store := &lockingStore{Memory: memory.New()}
	clock := leave.Clock(func() time.Time { return today })
	l := ledger.New(store, nil, ledger.WithClock(clock))
	svc := approval.New(balance.New(l, nil, nil, balance.WithClock(clock)), weekdayCalendar{}, nil, approval.WithClock(clock))
	ctx := context.Background()
	p := policy(withWorkflow)
	require.NoError(t, store.Memory.WithTx(ctx, func(tx leave.Tx) error {
		if err := tx.SavePolicy(ctx, p); err != nil {
			return err
		}
		return tx.SaveAssignment(ctx, leave.Assignment{OrgID: 1, EmployeeID: "emp-1", PolicyID: p.ID})
	}))

	// WHEN: Submitting
	out, err := svc.Submit(ctx, marchRequest())
	require.NoError(t, err)

	// THEN: The snapshot is locked before other requests are read
	require.NotEmpty(t, store.calls)
	assert.Equal(t, "LockSnapshot", store.calls[0])
	assert.Contains(t, store.calls, "ListRequests")
	assert.NotContains(t, store.calls, "GetSnapshot")

	// WHEN: Approving
	store.calls = nil
	_, err = svc.Approve(ctx, 1, out.Request.ID, "mgr")
	require.NoError(t, err)

	// THEN: The request row is locked first, then the snapshot, and
	// nothing is read unlocked
	require.GreaterOrEqual(t, len(store.calls), 2)
	assert.Equal(t, []string{"LockRequest", "LockSnapshot"}, store.calls[:2])
	assert.NotContains(t, store.calls, "GetRequest")
	assert.NotContains(t, store.calls, "GetSnapshot")
}

type joinedDirectory map[leave.EmployeeID]time.Time

func (d joinedDirectory) LookupEmployee(_ context.Context, id leave.EmployeeID) (*leave.EmployeeInfo, error) {
	j, ok := d[id]
	if !ok {
		return nil, nil
	}
	return &leave.EmployeeInfo{ID: id, JoiningDate: &j}, nil
}

func TestSubmit_AfterEarningBalanceGrowsWithTheClock(t *testing.T) {
	// GIVEN: 12 days/year after earning, joined 2025-01-06, assigned 2025-01-10
	day := leave.Date(2025, time.January, 10)
	clock := leave.Clock(func() time.Time { return day })
	store := memory.New()
	l := ledger.New(store, nil, ledger.WithClock(clock))
	b := balance.New(l, joinedDirectory{"emp-1": leave.Date(2025, time.January, 6)}, nil, balance.WithClock(clock))
	svc := approval.New(b, weekdayCalendar{}, nil, approval.WithClock(clock))
	ctx := context.Background()
	p := policy(func(p *leave.Policy) { p.GrantMethod, p.GrantFrequency = leave.GrantAfterEarning, leave.PerMonth })
	require.NoError(t, store.WithTx(ctx, func(tx leave.Tx) error { return tx.SavePolicy(ctx, p) }))
	seeded, err := b.Assign(ctx, leave.Assignment{OrgID: 1, EmployeeID: "emp-1", PolicyID: p.ID})
	require.NoError(t, err)
	require.True(t, seeded.Snapshot.CurrentBalance.IsZero())

	// WHEN: On 2025-07-01 a two-day July request is submitted
	day = leave.Date(2025, time.July, 1)
	out, err := svc.Submit(ctx, approval.SubmitInput{
		OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual",
		Start: leave.Date(2025, time.July, 7), End: leave.Date(2025, time.July, 8),
	})

	// THEN: Five accrued days cover it
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Request.Status)
	snap, err := l.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.True(t, snap.TotalEntitlement.Equal(decimal.NewFromInt(5)), "got %s", snap.TotalEntitlement)
	assert.True(t, snap.CurrentBalance.Equal(decimal.NewFromInt(3)), "got %s", snap.CurrentBalance)
}

func TestReject_RestoresPreDeduction(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(withPreDeduct))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))

	out, err = e.svc.Reject(e.ctx, 1, out.Request.ID, "mgr", "team offsite")
	require.NoError(t, err)

	assert.Equal(t, leave.StatusRejected, out.Request.Status)
	require.NotNil(t, out.Entry)
	assert.Equal(t, leave.EntryCredit, out.Entry.Kind)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "team offsite", out.Request.ApprovalHistory[1].Reason)
	e.assertConserved(t)
}

func TestReject_WithoutPreDeductWritesNoCredit(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(withWorkflow))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)

	out, err = e.svc.Reject(e.ctx, 1, out.Request.ID, "mgr", "")
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(12)))
}

// =============================================================================
// CANCEL / WITHDRAW
// =============================================================================

func TestCancel_OnlyWhilePending(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(withPreDeduct))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	id := out.Request.ID

	out, err = e.svc.Cancel(e.ctx, 1, id, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusWithdrawn, out.Request.Status)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(12)))

	_, err = e.svc.Cancel(e.ctx, 1, id, "emp-1")
	assert.ErrorIs(t, err, leave.ErrConfiguration)
}

func TestWithdraw_ThroughWithdrawalWorkflow(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(func(p *leave.Policy) {
		p.AllowWithdrawAfterApproval = true
		p.WithdrawalWorkflowID = "wwf"
	}))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	id := out.Request.ID

	// WHEN: Withdrawal requested, then rejected, then requested and approved
	out, err = e.svc.Withdraw(e.ctx, 1, id, "emp-1", "plans changed")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusWithdrawalPending, out.Request.Status)
	assert.Nil(t, out.Entry)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))

	out, err = e.svc.Reject(e.ctx, 1, id, "mgr", "")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Request.Status)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))

	_, err = e.svc.Withdraw(e.ctx, 1, id, "emp-1", "")
	require.NoError(t, err)
	out, err = e.svc.Approve(e.ctx, 1, id, "mgr")
	require.NoError(t, err)

	// THEN: Withdrawn with the days restored exactly
	assert.Equal(t, leave.StatusWithdrawn, out.Request.Status)
	require.NotNil(t, out.Entry)
	assert.Equal(t, leave.EntryCredit, out.Entry.Kind)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(12)))
	e.assertConserved(t)
}

func TestWithdraw_DirectWhenNoWithdrawalWorkflow(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(func(p *leave.Policy) { p.AllowWithdrawAfterApproval = true }))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)

	out, err = e.svc.Withdraw(e.ctx, 1, out.Request.ID, "emp-1", "")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusWithdrawn, out.Request.Status)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(12)))
}

func TestWithdraw_NotPermittedByPolicy(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy())
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)

	_, err = e.svc.Withdraw(e.ctx, 1, out.Request.ID, "emp-1", "")
	var te *leave.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Reason, "policy")
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(9)))
}

func TestWithdraw_SeedsMissingSnapshot(t *testing.T) {
	// GIVEN: An approved request migrated without a balance snapshot
	e := newEnv(t, weekdayCalendar{}, policy(func(p *leave.Policy) { p.AllowWithdrawAfterApproval = true }))
	req := leave.LeaveRequest{
		ID: "legacy-1", OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual",
		StartDate: leave.Date(2025, time.March, 10), EndDate: leave.Date(2025, time.March, 12),
		WorkingDays: decimal.NewFromInt(3), Status: leave.StatusApproved,
	}
	require.NoError(t, e.store.WithTx(e.ctx, func(tx leave.Tx) error { return tx.SaveRequest(e.ctx, req) }))

	// WHEN: Withdrawn
	out, err := e.svc.Withdraw(e.ctx, 1, "legacy-1", "emp-1", "")
	require.NoError(t, err)

	// THEN: Snapshot created from the calculator; no credit since nothing was held
	assert.Equal(t, leave.StatusWithdrawn, out.Request.Status)
	assert.True(t, out.Skipped)
	assert.True(t, e.balance(t).Equal(decimal.NewFromInt(12)))
}

func TestTransition_UnknownRequestAndOrg(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy())

	_, err := e.svc.Approve(e.ctx, 1, "missing", "mgr")
	assert.True(t, leave.IsNotFound(err))

	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)
	_, err = e.svc.Approve(e.ctx, 2, out.Request.ID, "mgr")
	assert.True(t, leave.IsNotFound(err), "requests are invisible outside their org")

	_, err = e.svc.Approve(e.ctx, 0, out.Request.ID, "mgr")
	assert.ErrorIs(t, err, leave.ErrConfiguration)
}

func TestPermitted_ReflectsPolicy(t *testing.T) {
	e := newEnv(t, weekdayCalendar{}, policy(withWorkflow, func(p *leave.Policy) { p.AllowWithdrawBeforeApproval = true }))
	out, err := e.svc.Submit(e.ctx, marchRequest())
	require.NoError(t, err)

	events, err := e.svc.Permitted(e.ctx, 1, out.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint([]approval.Event{approval.EventApprove, approval.EventCancel, approval.EventReject, approval.EventWithdraw}), fmt.Sprint(events))
}
