package balance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/balance"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeDirectory struct {
	joining map[leave.EmployeeID]time.Time
	err     error
	calls   int
}

func (f *fakeDirectory) LookupEmployee(_ context.Context, id leave.EmployeeID) (*leave.EmployeeInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.joining[id]
	if !ok {
		return nil, nil
	}
	return &leave.EmployeeInfo{ID: id, JoiningDate: &d}, nil
}

type fixture struct {
	store  *memory.Memory
	ledger *ledger.Ledger
	svc    *balance.Service
	dir    *fakeDirectory
	today  *time.Time
}

// advance moves the fixture clock.
func (f *fixture) advance(to time.Time) { *f.today = to }

func newFixture(t *testing.T, today time.Time, policies ...leave.Policy) *fixture {
	t.Helper()
	store := memory.New()
	day := today
	clock := leave.Clock(func() time.Time { return day })
	l := ledger.New(store, nil, ledger.WithClock(clock))
	dir := &fakeDirectory{joining: map[leave.EmployeeID]time.Time{}}
	svc := balance.New(l, dir, nil, balance.WithClock(clock))

	require.NoError(t, store.WithTx(context.Background(), func(tx leave.Tx) error {
		for _, p := range policies {
			if err := tx.SavePolicy(context.Background(), p); err != nil {
				return err
			}
		}
		return nil
	}))
	return &fixture{store: store, ledger: l, svc: svc, dir: dir, today: &day}
}

func allotment(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func earnedPolicy() leave.Policy {
	return leave.Policy{
		ID: "annual", OrgID: 1, Name: "Annual", LeaveTypeName: "Annual",
		GrantMethod: leave.GrantAfterEarning, GrantFrequency: leave.PerMonth,
		AnnualAllotment: allotment(12),
	}
}

func key(policy leave.PolicyID) leave.BalanceKey {
	return leave.BalanceKey{OrgID: 1, EmployeeID: "emp-1", PolicyID: policy, Year: 2025}
}

// =============================================================================
// SEED
// =============================================================================

func TestSeed_ProRataAfterEarning(t *testing.T) {
	// GIVEN: 12 days/year after earning, joined 2025-01-15, today 2025-07-01
	f := newFixture(t, leave.Date(2025, time.July, 1), earnedPolicy())
	f.dir.joining["emp-1"] = leave.Date(2025, time.January, 15)

	// WHEN: Seeding
	res, err := f.svc.Seed(context.Background(), 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)

	// THEN: 5 completed months, one seed grant
	assert.True(t, res.Created)
	assert.True(t, res.Snapshot.CurrentBalance.Equal(decimal.NewFromInt(5)), "got %s", res.Snapshot.CurrentBalance)

	entries, err := f.ledger.Entries(context.Background(), leave.EntryFilter{OrgID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, leave.EntryGrant, entries[0].Kind)
	assert.Equal(t, leave.TagSeed, leave.DescriptionTag(entries[0].Description))
}

func TestSeed_IsNoOpWhenSeeded(t *testing.T) {
	f := newFixture(t, leave.Date(2025, time.July, 1), earnedPolicy())
	ctx := context.Background()

	_, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)
	res, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)

	assert.False(t, res.Created)
	entries, _ := f.ledger.Entries(ctx, leave.EntryFilter{OrgID: 1})
	assert.Len(t, entries, 1)
}

// =============================================================================
// ACCRUAL
// =============================================================================

func TestAccrue_TopsUpAfterEarningAsMonthsComplete(t *testing.T) {
	// GIVEN: 12 days/year after earning, joined 2025-01-06, assigned 2025-01-10
	f := newFixture(t, leave.Date(2025, time.January, 10), earnedPolicy())
	f.dir.joining["emp-1"] = leave.Date(2025, time.January, 6)
	ctx := context.Background()
	seeded, err := f.svc.Assign(ctx, leave.Assignment{OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual"})
	require.NoError(t, err)
	require.True(t, seeded.Snapshot.CurrentBalance.IsZero())

	// WHEN: The clock reaches 2025-07-01 and the balance is ensured again
	f.advance(leave.Date(2025, time.July, 1))
	res, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)

	// THEN: Five completed months are granted by one accrue entry
	assert.False(t, res.Created)
	assert.True(t, res.Accrued.Equal(decimal.NewFromInt(5)), "got %s", res.Accrued)
	assert.True(t, res.Snapshot.CurrentBalance.Equal(decimal.NewFromInt(5)))
	assert.True(t, res.Snapshot.TotalEntitlement.Equal(decimal.NewFromInt(5)))

	entries, err := f.ledger.Entries(ctx, leave.EntryFilter{OrgID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, leave.TagAccrue, leave.DescriptionTag(entries[1].Description))
	assert.Equal(t, leave.EntryGrant, entries[1].Kind)
}

func TestAccrue_SecondRunSameDayWritesNothing(t *testing.T) {
	// GIVEN: A snapshot already topped up for July
	f := newFixture(t, leave.Date(2025, time.January, 10), earnedPolicy())
	f.dir.joining["emp-1"] = leave.Date(2025, time.January, 6)
	ctx := context.Background()
	_, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)
	f.advance(leave.Date(2025, time.July, 1))
	joining, _ := f.svc.JoiningDate(ctx, "emp-1")

	// WHEN: The accrual runs twice
	var first, second decimal.Decimal
	require.NoError(t, f.ledger.Update(ctx, func(tx leave.Tx) error {
		var err error
		first, err = f.svc.AccrueTx(ctx, tx, earnedPolicy(), "emp-1", 2025, f.svc.Today(), joining)
		return err
	}))
	require.NoError(t, f.ledger.Update(ctx, func(tx leave.Tx) error {
		var err error
		second, err = f.svc.AccrueTx(ctx, tx, earnedPolicy(), "emp-1", 2025, f.svc.Today(), joining)
		return err
	}))

	// THEN: Only the first one grants
	assert.True(t, first.Equal(decimal.NewFromInt(5)))
	assert.True(t, second.IsZero())
	entries, _ := f.ledger.Entries(ctx, leave.EntryFilter{OrgID: 1})
	assert.Len(t, entries, 2)
}

func TestAccrue_UnknownJoiningDateLeavesBalanceAlone(t *testing.T) {
	// GIVEN: A seeded balance and a directory that later goes down
	f := newFixture(t, leave.Date(2025, time.January, 10), earnedPolicy())
	f.dir.joining["emp-1"] = leave.Date(2025, time.January, 6)
	ctx := context.Background()
	_, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)
	f.dir.err = errors.New("connection refused")
	f.advance(leave.Date(2025, time.July, 1))

	// WHEN: Ensuring the balance in degraded mode
	res, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)

	// THEN: Nothing is topped up to the full allotment
	assert.True(t, res.Accrued.IsZero())
	assert.True(t, res.Snapshot.CurrentBalance.IsZero())
}

func TestAccrue_InAdvancePolicyIsUntouched(t *testing.T) {
	p := earnedPolicy()
	p.GrantMethod = leave.GrantInAdvance
	p.GrantFrequency = leave.PerYear
	f := newFixture(t, leave.Date(2025, time.January, 10), p)
	f.dir.joining["emp-1"] = leave.Date(2024, time.March, 1)
	ctx := context.Background()
	_, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)

	f.advance(leave.Date(2025, time.July, 1))
	res, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Accrued.IsZero())
}

func TestSeed_NoAllotmentCreatesNothing(t *testing.T) {
	p := earnedPolicy()
	p.AnnualAllotment = nil
	f := newFixture(t, leave.Date(2025, time.July, 1), p)

	res, err := f.svc.Seed(context.Background(), 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Nil(t, res.Snapshot)

	snap, err := f.store.GetSnapshot(context.Background(), key("annual"))
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSeed_DirectoryDownGrantsFullEntitlement(t *testing.T) {
	f := newFixture(t, leave.Date(2025, time.July, 1), earnedPolicy())
	f.dir.err = errors.New("connection refused")

	res, err := f.svc.Seed(context.Background(), 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Snapshot.CurrentBalance.Equal(decimal.NewFromInt(12)))
}

func TestSeed_UnknownPolicy(t *testing.T) {
	f := newFixture(t, leave.Date(2025, time.July, 1))
	_, err := f.svc.Seed(context.Background(), 1, "emp-1", "missing", time.Time{})
	assert.True(t, leave.IsNotFound(err))
}

// =============================================================================
// ASSIGN + OPENING BALANCE CROSS-REFERENCE
// =============================================================================

func TestAssign_CarriesCrossReferencedOpening(t *testing.T) {
	// GIVEN: An opening balance of 4 recorded against a renumbered policy of
	//        the same leave type
	old := earnedPolicy()
	old.ID = "annual-2019"
	old.LeaveTypeName = " annual "
	current := earnedPolicy()
	current.GrantMethod = leave.GrantInAdvance
	current.GrantFrequency = leave.PerYear
	f := newFixture(t, leave.Date(2025, time.March, 1), old, current)
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, ledger.AppendInput{
		Key: key("annual-2019"), Kind: leave.EntryGrant, Amount: decimal.NewFromInt(4),
		Tag: leave.TagOpening, Text: "imported", CarryForward: true,
	})
	require.NoError(t, err)

	// WHEN: The employee is assigned the current policy
	res, err := f.svc.Assign(ctx, leave.Assignment{OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual"})
	require.NoError(t, err)

	// THEN: Seed grant plus carried opening grant
	require.True(t, res.Created)
	assert.True(t, res.Opening.CrossReferenced("annual"))
	assert.True(t, res.Snapshot.CurrentBalance.Equal(decimal.NewFromInt(16)))
	assert.True(t, res.Snapshot.CarryForward.Equal(decimal.NewFromInt(4)))

	a, err := f.store.GetAssignment(ctx, 1, "emp-1", "annual")
	require.NoError(t, err)
	assert.Equal(t, leave.Date(2025, time.March, 1), a.EffectiveFrom)

	rec, err := f.ledger.Verify(ctx, key("annual"))
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestAssign_RequiresOrgAndIDs(t *testing.T) {
	f := newFixture(t, leave.Date(2025, time.March, 1), earnedPolicy())

	_, err := f.svc.Assign(context.Background(), leave.Assignment{EmployeeID: "emp-1", PolicyID: "annual"})
	assert.ErrorIs(t, err, leave.ErrConfiguration)

	_, err = f.svc.Assign(context.Background(), leave.Assignment{OrgID: 1, PolicyID: "annual"})
	assert.ErrorIs(t, err, leave.ErrValidation)
}

// =============================================================================
// READ MODELS
// =============================================================================

func TestGet_SelfHealsForAssignedEmployee(t *testing.T) {
	// GIVEN: An assignment saved without a snapshot (assigned before go-live)
	f := newFixture(t, leave.Date(2025, time.July, 1), earnedPolicy())
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx leave.Tx) error {
		return tx.SaveAssignment(ctx, leave.Assignment{OrgID: 1, EmployeeID: "emp-1", PolicyID: "annual"})
	}))
	f.dir.joining["emp-1"] = leave.Date(2025, time.January, 15)

	// WHEN: Reading the balance
	v, err := f.svc.Get(ctx, 1, "emp-1", "annual", 2025)
	require.NoError(t, err)

	// THEN: Snapshot created, accrual and projection reported
	require.NotNil(t, v.Snapshot)
	assert.True(t, v.Snapshot.CurrentBalance.Equal(decimal.NewFromInt(5)))
	assert.True(t, v.AccruedToDate.Equal(decimal.NewFromInt(5)))
	assert.True(t, v.ProjectedTotal.Equal(decimal.NewFromInt(11)))
	assert.False(t, v.Opening.Found)
}

func TestGet_NotAssigned(t *testing.T) {
	f := newFixture(t, leave.Date(2025, time.July, 1), earnedPolicy())
	_, err := f.svc.Get(context.Background(), 1, "emp-9", "annual", 2025)
	assert.True(t, leave.IsNotFound(err))
}

func TestLedger_FiltersByPolicy(t *testing.T) {
	sick := earnedPolicy()
	sick.ID, sick.LeaveTypeName = "sick", "Sick"
	f := newFixture(t, leave.Date(2025, time.July, 1), earnedPolicy(), sick)
	ctx := context.Background()

	_, err := f.svc.Seed(ctx, 1, "emp-1", "annual", time.Time{})
	require.NoError(t, err)
	_, err = f.svc.Seed(ctx, 1, "emp-1", "sick", time.Time{})
	require.NoError(t, err)

	all, err := f.svc.Entries(ctx, 1, "emp-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	p := leave.PolicyID("sick")
	only, err := f.svc.Entries(ctx, 1, "emp-1", &p)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, leave.PolicyID("sick"), only[0].PolicyID)

	missing := leave.PolicyID("nope")
	_, err = f.svc.Entries(ctx, 1, "emp-1", &missing)
	assert.True(t, leave.IsNotFound(err))
}
