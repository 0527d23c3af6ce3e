/*
entitlement.go - Entitlement calculator

PURPOSE:
  Turns a policy and an employee's joining date into the entitlement and
  starting balance for one calendar year. The result seeds the balance
  through a single "grant" ledger entry.

STRATEGY TABLE:
  One pure function pair per (grant method x frequency):

    after_earning x per_month  earned: allotment/12 per completed month
    after_earning x per_year   same as per_month (earning is always monthly)
    in_advance    x per_year   full allotment, no proration
    in_advance    x per_month  allotment/12 per calendar month remaining

  Each pair answers two different questions:
    upfront: what is granted when the employee is assigned (Compute)
    accrued: what has accrued so far this year (AccruedToDate)

  For in_advance x per_month the two directions differ: a June joiner is
  granted 7 months (June..December) up front, but in August has accrued
  3 months (June..August).

COMPLETED MONTHS:
  A month is completed when the same day-of-month has been reached again
  (anniversary rule, clamped to month end). Joining 2025-01-15 and reading
  on 2025-07-01 gives 5 completed months: the 6th completes on 2025-07-15.
  Counting starts at max(joining date, January 1).

FALLBACK:
  No joining date (directory unavailable or silent) means full entitlement.

ROUNDING:
  Results are rounded half-up to 2 decimal places.

SEE ALSO:
  - balance/service.go: Seeds snapshots from Compute
  - batch/recalculate.go: Force mode recomputes via Compute
*/
package entitlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
)

// Result is the output of Compute.
type Result struct {
	TotalEntitlement decimal.Decimal
	StartingBalance  decimal.Decimal
}

// input is what every strategy sees. start is already clamped to the year.
type input struct {
	annual    decimal.Decimal
	start     time.Time
	reference time.Time
	year      int
}

type strategy struct {
	upfront func(in input) Result
	accrued func(in input) decimal.Decimal
}

type method struct {
	grant leave.GrantMethod
	freq  leave.GrantFrequency
}

var strategies = map[method]strategy{
	{leave.GrantAfterEarning, leave.PerMonth}: {upfront: afterEarningUpfront, accrued: afterEarningAccrued},
	{leave.GrantAfterEarning, leave.PerYear}:  {upfront: afterEarningUpfront, accrued: afterEarningAccrued},
	{leave.GrantInAdvance, leave.PerYear}:     {upfront: inAdvanceYearlyUpfront, accrued: inAdvanceYearlyAccrued},
	{leave.GrantInAdvance, leave.PerMonth}:    {upfront: inAdvanceMonthlyUpfront, accrued: inAdvanceMonthlyAccrued},
}

var twelve = decimal.NewFromInt(12)

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Compute returns what is granted when an employee is assigned to policy.
// joining may be nil. reference is the "as of" date for earned strategies.
func Compute(policy leave.Policy, joining *time.Time, reference time.Time, year int) (Result, error) {
	s, in, full, err := prepare(policy, joining, reference, year)
	if err != nil {
		return Result{}, err
	}
	if full {
		return Result{TotalEntitlement: in.annual, StartingBalance: in.annual}, nil
	}
	if in.start.After(leave.EndOfYear(year)) {
		return Result{TotalEntitlement: decimal.Zero, StartingBalance: decimal.Zero}, nil
	}
	r := s.upfront(in)
	return Result{TotalEntitlement: round(r.TotalEntitlement), StartingBalance: round(r.StartingBalance)}, nil
}

// AccruedToDate returns what the employee has accrued in year as of
// reference. It is the "eligibility to date" read.
func AccruedToDate(policy leave.Policy, joining *time.Time, reference time.Time, year int) (decimal.Decimal, error) {
	s, in, full, err := prepare(policy, joining, reference, year)
	if err != nil {
		return decimal.Zero, err
	}
	if full {
		return in.annual, nil
	}
	if in.start.After(leave.EndOfYear(year)) || in.reference.Before(in.start) {
		return decimal.Zero, nil
	}
	return round(s.accrued(in)), nil
}

// GrantDescription is the text of the seeding grant entry.
func GrantDescription(policy leave.Policy, r Result) string {
	name := policy.Name
	if name == "" {
		name = string(policy.ID)
	}
	return fmt.Sprintf("%s entitlement %s days (%s, %s)",
		name, r.StartingBalance.StringFixed(2), policy.GrantMethod, policy.GrantFrequency)
}

func prepare(policy leave.Policy, joining *time.Time, reference time.Time, year int) (strategy, input, bool, error) {
	if policy.AnnualAllotment == nil {
		return strategy{}, input{}, false, fmt.Errorf("policy %s: %w", policy.ID, leave.ErrNoAllotment)
	}
	s, ok := strategies[method{policy.GrantMethod, policy.GrantFrequency}]
	if !ok {
		return strategy{}, input{}, false, &leave.ConfigurationError{
			Reason: fmt.Sprintf("policy %s: no entitlement strategy for %s/%s", policy.ID, policy.GrantMethod, policy.GrantFrequency),
		}
	}
	in := input{
		annual:    *policy.AnnualAllotment,
		start:     leave.StartOfYear(year),
		reference: leave.Day(reference),
		year:      year,
	}
	if joining == nil {
		return s, in, true, nil
	}
	if j := leave.Day(*joining); j.After(in.start) {
		in.start = j
	}
	return s, in, false, nil
}

func round(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

func perMonth(annual decimal.Decimal, months int) decimal.Decimal {
	return annual.Mul(decimal.NewFromInt(int64(months))).Div(twelve)
}

// =============================================================================
// MONTH COUNTING
// =============================================================================

// CompletedMonths counts whole months between from and to using the
// anniversary rule. Partial months do not count.
func CompletedMonths(from, to time.Time) int {
	from, to = leave.Day(from), leave.Day(to)
	n := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	for n > 0 && leave.AddMonthsClamped(from, n).After(to) {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}

// monthsInclusive counts calendar months from a's month through b's month.
func monthsInclusive(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month()) + 1
}

// yearBoundary is the exclusive end of year: earning stops on January 1.
func yearBoundary(year int) time.Time { return leave.StartOfYear(year + 1) }

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// =============================================================================
// STRATEGIES
// =============================================================================

func afterEarningUpfront(in input) Result {
	return Result{
		TotalEntitlement: perMonth(in.annual, CompletedMonths(in.start, yearBoundary(in.year))),
		StartingBalance:  afterEarningAccrued(in),
	}
}

func afterEarningAccrued(in input) decimal.Decimal {
	if in.reference.Before(in.start) {
		return decimal.Zero
	}
	return perMonth(in.annual, CompletedMonths(in.start, minTime(in.reference, yearBoundary(in.year))))
}

func inAdvanceYearlyUpfront(in input) Result {
	return Result{TotalEntitlement: in.annual, StartingBalance: in.annual}
}

func inAdvanceYearlyAccrued(in input) decimal.Decimal { return in.annual }

func inAdvanceMonthlyUpfront(in input) Result {
	amount := perMonth(in.annual, monthsInclusive(in.start, leave.EndOfYear(in.year)))
	return Result{TotalEntitlement: amount, StartingBalance: amount}
}

func inAdvanceMonthlyAccrued(in input) decimal.Decimal {
	return perMonth(in.annual, monthsInclusive(in.start, minTime(in.reference, leave.EndOfYear(in.year))))
}
