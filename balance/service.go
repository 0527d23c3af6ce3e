/*
service.go - Balance seeding and read models

PURPOSE:
  Creates the per-(employee, policy, year) snapshot the first time it is
  needed and serves balance and ledger reads. A snapshot is born from one
  "seed" grant computed by the entitlement calculator, plus an "opening"
  grant when the employee's opening balance was recorded against a sibling
  policy of the same leave type.

TRIGGERS:
  Assign        new assignment, seeds the current year
  Seed          explicit seeding (first login, admin action)
  EnsureTx      lazy creation inside another unit (approval transitions,
                submissions, imports) for employees assigned after go-live
  AccrueTx      after_earning top-up: months completed since the snapshot
                was last topped up become one "accrue" grant

ACCRUAL:
  An after_earning snapshot is seeded with what had accrued on the seeding
  day. Later months are granted by AccrueTx, either lazily from EnsureTx
  (submit, approve) or by the scheduled accrue batch. The due amount is
  accrued-to-date + opening balance - total grants, so a repeat run on the
  same day writes nothing. Negative differences are left to a force
  recalculation. Without a known joining date nothing is topped up.

DIRECTORY:
  The joining date comes from the external directory, looked up with a
  bounded timeout BEFORE any transaction opens. A failed or silent lookup
  degrades to "fully entitled" and is logged.

INVARIANTS:
  - No snapshot is ever created for a policy without an allotment
  - Seeding an existing snapshot writes no seed grant
  - Cross-referenced opening balances count as carry-forward

SEE ALSO:
  - entitlement/entitlement.go: Compute
  - ledger/opening.go: Opening-balance cross-reference
*/
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"go.uber.org/zap"
)

// DefaultLookupTimeout bounds directory calls.
const DefaultLookupTimeout = 2 * time.Second

// SeedResult reports what seeding did.
type SeedResult struct {
	Snapshot *leave.BalanceSnapshot
	Created  bool
	// Reason explains why nothing was created.
	Reason  string
	Opening ledger.Opening
	// Entitlement is set when Created is true.
	Entitlement entitlement.Result
	// Accrued is the top-up granted to an existing snapshot, zero if none.
	Accrued decimal.Decimal
}

// View is the getBalance read model.
type View struct {
	Key      leave.BalanceKey
	Snapshot *leave.BalanceSnapshot
	Opening  ledger.Opening
	// AccruedToDate is what the calculator says has accrued by today.
	AccruedToDate decimal.Decimal
	// ProjectedTotal is the full-year entitlement for the employee.
	ProjectedTotal decimal.Decimal
	Tracked        bool
	Degraded       bool
}

type Service struct {
	ledger    *ledger.Ledger
	store     leave.Store
	directory leave.Directory
	timeout   time.Duration
	clock     leave.Clock
	logger    *zap.Logger
}

type Option func(*Service)

func WithClock(c leave.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLookupTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New builds the service. A nil directory means joining dates are never
// known and every employee is fully entitled.
func New(l *ledger.Ledger, dir leave.Directory, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		ledger:    l,
		store:     l.Store(),
		directory: dir,
		timeout:   DefaultLookupTimeout,
		logger:    logger.Named("balance"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ledger returns the ledger the service writes through.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Today is the service clock's current date.
func (s *Service) Today() time.Time { return s.clock.Today() }

// =============================================================================
// DIRECTORY
// =============================================================================

// JoiningDate looks the employee up in the directory. The second return is
// true when the lookup failed and the caller is running degraded.
func (s *Service) JoiningDate(ctx context.Context, emp leave.EmployeeID) (*time.Time, bool) {
	if s.directory == nil {
		return nil, false
	}
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.directory.LookupEmployee(lctx, emp)
	if err != nil {
		s.logger.Warn("directory lookup failed, assuming full entitlement",
			zap.String("employee_id", string(emp)),
			zap.Error(err))
		return nil, true
	}
	if info == nil || info.JoiningDate == nil {
		s.logger.Info("no joining date in directory, assuming full entitlement",
			zap.String("employee_id", string(emp)))
		return nil, false
	}
	d := leave.Day(*info.JoiningDate)
	return &d, false
}

// =============================================================================
// SEEDING
// =============================================================================

// Assign saves the assignment and seeds the current year's balance in the
// same unit.
func (s *Service) Assign(ctx context.Context, a leave.Assignment) (SeedResult, error) {
	if a.OrgID <= 0 {
		return SeedResult{}, &leave.ConfigurationError{Reason: "assignment requires an organization"}
	}
	if a.EmployeeID == "" || a.PolicyID == "" {
		return SeedResult{}, &leave.ValidationError{Violations: []leave.Violation{{
			Rule: "assignment", Message: "employee and policy are required",
		}}}
	}
	policy, err := s.store.GetPolicy(ctx, a.OrgID, a.PolicyID)
	if err != nil {
		return SeedResult{}, err
	}
	today := s.clock.Today()
	if a.EffectiveFrom.IsZero() {
		a.EffectiveFrom = today
	}
	a.CreatedAt = s.clock.Now()
	joining, _ := s.JoiningDate(ctx, a.EmployeeID)

	var res SeedResult
	err = s.ledger.Update(ctx, func(tx leave.Tx) error {
		if err := tx.SaveAssignment(ctx, a); err != nil {
			return fmt.Errorf("save assignment: %w", err)
		}
		var err error
		res, err = s.EnsureTx(ctx, tx, *policy, a.EmployeeID, today.Year(), today, joining)
		return err
	})
	if err != nil {
		return SeedResult{}, err
	}
	s.logger.Info("policy assigned",
		zap.Int64("org_id", int64(a.OrgID)),
		zap.String("employee_id", string(a.EmployeeID)),
		zap.String("policy_id", string(a.PolicyID)),
		zap.Bool("seeded", res.Created))
	return res, nil
}

// Seed creates the snapshot for asOf's year if it does not exist.
func (s *Service) Seed(ctx context.Context, org leave.OrgID, emp leave.EmployeeID, policyID leave.PolicyID, asOf time.Time) (SeedResult, error) {
	policy, err := s.store.GetPolicy(ctx, org, policyID)
	if err != nil {
		return SeedResult{}, err
	}
	if asOf.IsZero() {
		asOf = s.clock.Today()
	}
	asOf = leave.Day(asOf)
	if !policy.TracksBalance() {
		return SeedResult{Reason: "no allotment"}, nil
	}
	joining, _ := s.JoiningDate(ctx, emp)

	var res SeedResult
	err = s.ledger.Update(ctx, func(tx leave.Tx) error {
		var err error
		res, err = s.EnsureTx(ctx, tx, *policy, emp, asOf.Year(), asOf, joining)
		return err
	})
	return res, err
}

// EnsureTx returns the snapshot for (employee, policy, year), creating it
// inside tx when missing and topping up after_earning accrual when not.
// The snapshot stays locked until tx ends.
func (s *Service) EnsureTx(ctx context.Context, tx leave.Tx, policy leave.Policy, emp leave.EmployeeID, year int, asOf time.Time, joining *time.Time) (SeedResult, error) {
	if !policy.TracksBalance() {
		return SeedResult{Reason: "no allotment"}, nil
	}
	key := leave.BalanceKey{OrgID: policy.OrgID, EmployeeID: emp, PolicyID: policy.ID, Year: year}
	snap, err := tx.LockSnapshot(ctx, key)
	if err != nil {
		return SeedResult{}, err
	}
	if snap != nil {
		out := SeedResult{Snapshot: snap, Reason: "already seeded"}
		acc, err := s.accrue(ctx, tx, policy, *snap, asOf, joining)
		if err != nil {
			return SeedResult{}, err
		}
		if acc != nil {
			out.Snapshot = &acc.Snapshot
			out.Accrued = acc.Entry.Amount
		}
		return out, nil
	}

	r, err := entitlement.Compute(policy, joining, asOf, year)
	if err != nil {
		return SeedResult{}, err
	}
	app, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
		Key:    key,
		Kind:   leave.EntryGrant,
		Amount: r.StartingBalance,
		Tag:    leave.TagSeed,
		Text:   entitlement.GrantDescription(policy, r),
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed grant %s: %w", key, err)
	}
	out := SeedResult{Snapshot: &app.Snapshot, Created: true, Entitlement: r}

	opening, err := ledger.OpeningBalanceTx(ctx, tx, policy.OrgID, emp, policy.ID, year)
	if err != nil {
		return SeedResult{}, err
	}
	out.Opening = opening
	if opening.CrossReferenced(policy.ID) && !opening.Amount.IsZero() {
		app, err = s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			Key:          key,
			Kind:         leave.EntryGrant,
			Amount:       opening.Amount,
			Tag:          leave.TagOpening,
			Text:         fmt.Sprintf("opening balance %s carried from policy %s", opening.Amount, opening.SourcePolicy),
			CarryForward: true,
		})
		if err != nil {
			return SeedResult{}, fmt.Errorf("opening grant %s: %w", key, err)
		}
		out.Snapshot = &app.Snapshot
	}

	s.logger.Info("balance seeded",
		zap.String("key", key.String()),
		zap.String("starting_balance", r.StartingBalance.String()),
		zap.String("opening", opening.Amount.String()),
		zap.Bool("cross_referenced", opening.CrossReferenced(policy.ID)))
	return out, nil
}

// AccrueTx tops up an existing after_earning snapshot to what has accrued by
// asOf. It returns the zero decimal when nothing was due.
func (s *Service) AccrueTx(ctx context.Context, tx leave.Tx, policy leave.Policy, emp leave.EmployeeID, year int, asOf time.Time, joining *time.Time) (decimal.Decimal, error) {
	if !policy.TracksBalance() {
		return decimal.Zero, nil
	}
	key := leave.BalanceKey{OrgID: policy.OrgID, EmployeeID: emp, PolicyID: policy.ID, Year: year}
	snap, err := tx.LockSnapshot(ctx, key)
	if err != nil || snap == nil {
		return decimal.Zero, err
	}
	acc, err := s.accrue(ctx, tx, policy, *snap, asOf, joining)
	if err != nil || acc == nil {
		return decimal.Zero, err
	}
	return acc.Entry.Amount, nil
}

// accrue appends the "accrue" grant for snap, or returns nil when none is
// due. snap must be locked by tx.
func (s *Service) accrue(ctx context.Context, tx leave.Tx, policy leave.Policy, snap leave.BalanceSnapshot, asOf time.Time, joining *time.Time) (*ledger.AppendResult, error) {
	if policy.GrantMethod != leave.GrantAfterEarning || joining == nil {
		return nil, nil
	}
	key := snap.Key
	target, err := entitlement.Compute(policy, joining, leave.Day(asOf), key.Year)
	if err != nil {
		return nil, err
	}
	opening, err := ledger.OpeningBalanceTx(ctx, tx, key.OrgID, key.EmployeeID, key.PolicyID, key.Year)
	if err != nil {
		return nil, err
	}
	want := target.StartingBalance.Add(opening.Amount)
	due := want.Sub(snap.TotalEntitlement)
	if !due.IsPositive() {
		return nil, nil
	}
	app, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
		Key:    key,
		Kind:   leave.EntryGrant,
		Amount: due,
		Tag:    leave.TagAccrue,
		Text:   fmt.Sprintf("accrued to %s as of %s", want, leave.FormatDate(asOf)),
	})
	if err != nil {
		return nil, fmt.Errorf("accrual grant %s: %w", key, err)
	}
	s.logger.Info("balance accrued",
		zap.String("key", key.String()),
		zap.String("amount", due.String()),
		zap.String("as_of", leave.FormatDate(asOf)))
	return &app, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// Get returns the balance view. A missing snapshot is created on the fly
// when the employee is assigned to the policy; otherwise it is not found.
func (s *Service) Get(ctx context.Context, org leave.OrgID, emp leave.EmployeeID, policyID leave.PolicyID, year int) (View, error) {
	policy, err := s.store.GetPolicy(ctx, org, policyID)
	if err != nil {
		return View{}, err
	}
	today := s.clock.Today()
	if year == 0 {
		year = today.Year()
	}
	key := leave.BalanceKey{OrgID: org, EmployeeID: emp, PolicyID: policyID, Year: year}
	v := View{Key: key, Tracked: policy.TracksBalance()}
	if !v.Tracked {
		return v, nil
	}

	snap, err := s.store.GetSnapshot(ctx, key)
	if err != nil {
		return View{}, err
	}
	joining, degraded := s.JoiningDate(ctx, emp)
	v.Degraded = degraded

	if snap == nil {
		if _, err := s.store.GetAssignment(ctx, org, emp, policyID); err != nil {
			return View{}, err
		}
		var res SeedResult
		err = s.ledger.Update(ctx, func(tx leave.Tx) error {
			var err error
			res, err = s.EnsureTx(ctx, tx, *policy, emp, year, referenceFor(today, year), joining)
			return err
		})
		if err != nil {
			return View{}, err
		}
		snap = res.Snapshot
	}
	v.Snapshot = snap

	if v.Opening, err = s.ledger.OpeningBalance(ctx, org, emp, policyID, year); err != nil {
		return View{}, err
	}
	ref := referenceFor(today, year)
	if v.AccruedToDate, err = entitlement.AccruedToDate(*policy, joining, ref, year); err != nil {
		return View{}, err
	}
	r, err := entitlement.Compute(*policy, joining, ref, year)
	if err != nil {
		return View{}, err
	}
	v.ProjectedTotal = r.TotalEntitlement
	return v, nil
}

// Entries lists the employee's ledger, optionally for one policy.
func (s *Service) Entries(ctx context.Context, org leave.OrgID, emp leave.EmployeeID, policyID *leave.PolicyID) ([]leave.LedgerEntry, error) {
	filter := leave.EntryFilter{OrgID: org, EmployeeID: emp}
	if policyID != nil {
		if _, err := s.store.GetPolicy(ctx, org, *policyID); err != nil {
			return nil, err
		}
		filter.PolicyID = *policyID
	}
	return s.ledger.Entries(ctx, filter)
}

// referenceFor clamps today into year so past and future years read as of
// their last and first day.
func referenceFor(today time.Time, year int) time.Time {
	switch {
	case today.Year() > year:
		return leave.EndOfYear(year)
	case today.Year() < year:
		return leave.StartOfYear(year)
	default:
		return today
	}
}
