/*
validation.go - Leave request validation engine

PURPOSE:
  Checks a candidate leave request against its policy, the employee's
  balance, existing requests, blackout periods and the work calendar.
  Returns every violation, in a fixed order; callers surface the first.

RULE ORDER (a contract, not an implementation detail):
   1. balance            balance sufficiency / negative-balance limit
   2. min_days           minimum days per request
   3. max_days           maximum days per stretch
   4. holiday            one violation per holiday in range
   5. advance_notice     days between today and start
   6. eligibility        joining date + probation / N days
   7. weekend_adjacency  leave may not end right before a non-working day
   8. documents          supporting documents required
   9. max_instances      active requests in the instance period
  10. overlap            first active request intersecting the range
  11. blackout           assigned blackout periods that forbid leave

PURITY:
  Validate writes nothing. It consults the Calendar (read-only) and
  returns data. Violations never become errors here.

DEGRADED MODE:
  Holiday lookup failure:      rule 4 skipped, warning recorded
  Working-day lookup failure:  rule 7 falls back to Saturday/Sunday
  Missing joining date:        rule 6 skipped, warning recorded
  Balance sufficiency is never skipped for a balance-tracking policy: it
  uses whatever snapshot exists (none means zero available).

SEE ALSO:
  - approval/service.go: Gathers Input and converts violations to errors
*/
package validation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
)

// Rule codes, in evaluation order.
const (
	RuleBalance          = "balance"
	RuleMinDays          = "min_days"
	RuleMaxDays          = "max_days"
	RuleHoliday          = "holiday"
	RuleAdvanceNotice    = "advance_notice"
	RuleEligibility      = "eligibility"
	RuleWeekendAdjacency = "weekend_adjacency"
	RuleDocuments        = "documents"
	RuleMaxInstances     = "max_instances"
	RuleOverlap          = "overlap"
	RuleBlackout         = "blackout"
)

// Calendar is the work-calendar collaborator.
type Calendar interface {
	IsWorkingDay(ctx context.Context, day time.Time) (bool, error)
	// IsHoliday returns the holiday name when day is a holiday.
	IsHoliday(ctx context.Context, day time.Time) (string, bool, error)
	CountWorkingDays(ctx context.Context, start, end time.Time) (int, error)
}

// Input is everything one validation needs.
type Input struct {
	Policy      leave.Policy
	EmployeeID  leave.EmployeeID
	RequestID   leave.RequestID // excluded from overlap and instance checks
	Start       time.Time
	End         time.Time
	WorkingDays decimal.Decimal
	Today       time.Time
	JoiningDate *time.Time
	// Snapshot is the employee's balance for the start-date year; nil
	// means no balance exists yet.
	Snapshot  *leave.BalanceSnapshot
	Documents int
	// Existing holds the employee's other requests (any policy).
	Existing  []leave.LeaveRequest
	Blackouts []leave.BlackoutPeriod
}

// Result is the outcome of Validate.
type Result struct {
	Violations []leave.Violation
	Warnings   []string
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

// Err converts violations to a *leave.ValidationError, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &leave.ValidationError{Violations: append([]leave.Violation(nil), r.Violations...)}
}

type checker struct {
	ctx context.Context
	cal Calendar
	in  Input
	res Result
}

type rule func(c *checker)

var rules = []rule{
	checkBalance,
	checkMinDays,
	checkMaxDays,
	checkHolidays,
	checkAdvanceNotice,
	checkEligibility,
	checkWeekendAdjacency,
	checkDocuments,
	checkMaxInstances,
	checkOverlap,
	checkBlackouts,
}

// Validate runs every rule in order and collects all violations.
func Validate(ctx context.Context, cal Calendar, in Input) Result {
	in.Start, in.End, in.Today = leave.Day(in.Start), leave.Day(in.End), leave.Day(in.Today)
	c := &checker{ctx: ctx, cal: cal, in: in}
	for _, r := range rules {
		r(c)
	}
	return c.res
}

func (c *checker) violate(rule, format string, args ...any) {
	c.res.Violations = append(c.res.Violations, leave.Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) warn(format string, args ...any) {
	c.res.Warnings = append(c.res.Warnings, fmt.Sprintf(format, args...))
}

// =============================================================================
// RULES
// =============================================================================

func checkBalance(c *checker) {
	if v, ok := CheckBalance(c.in.Policy, c.in.Snapshot, c.in.WorkingDays); !ok {
		c.res.Violations = append(c.res.Violations, v)
	}
}

// CheckBalance is the balance rule on its own. It reports false with the
// violation when days cannot be taken from snap under policy. A nil
// snapshot has nothing available.
func CheckBalance(p leave.Policy, snap *leave.BalanceSnapshot, days decimal.Decimal) (leave.Violation, bool) {
	if !p.TracksBalance() {
		return leave.Violation{}, true
	}
	available := decimal.Zero
	if snap != nil {
		available = snap.CurrentBalance
	}
	after := available.Sub(days)

	if !p.AllowNegativeBalance {
		if days.GreaterThan(available) {
			return leave.Violation{Rule: RuleBalance, Message: fmt.Sprintf(
				"insufficient balance: requested %s days, available %s", days, available)}, false
		}
		return leave.Violation{}, true
	}
	floor := p.NegativeBalanceLimit.Abs().Neg()
	if after.LessThan(floor) {
		return leave.Violation{Rule: RuleBalance, Message: fmt.Sprintf(
			"request would leave balance at %s, below the allowed negative limit of %s", after, floor)}, false
	}
	return leave.Violation{}, true
}

func checkMinDays(c *checker) {
	limit := c.in.Policy.MinDaysPerRequest
	if limit.IsPositive() && c.in.WorkingDays.LessThan(limit) {
		c.violate(RuleMinDays, "at least %s days must be requested, got %s", limit, c.in.WorkingDays)
	}
}

func checkMaxDays(c *checker) {
	limit := c.in.Policy.MaxDaysInStretch
	if limit.IsPositive() && c.in.WorkingDays.GreaterThan(limit) {
		c.violate(RuleMaxDays, "at most %s days may be taken in one stretch, got %s", limit, c.in.WorkingDays)
	}
}

func checkHolidays(c *checker) {
	if c.cal == nil {
		c.warn("holiday check skipped: no calendar configured")
		return
	}
	type hit struct {
		day  time.Time
		name string
	}
	var hits []hit
	for d := c.in.Start; !d.After(c.in.End); d = d.AddDate(0, 0, 1) {
		name, ok, err := c.cal.IsHoliday(c.ctx, d)
		if err != nil {
			c.warn("holiday check skipped: calendar unavailable: %v", err)
			return
		}
		if ok {
			hits = append(hits, hit{d, name})
		}
	}
	for _, h := range hits {
		c.violate(RuleHoliday, "%s is a holiday (%s)", leave.FormatDate(h.day), h.name)
	}
}

func checkAdvanceNotice(c *checker) {
	need := c.in.Policy.AdvanceNoticeDays
	if need <= 0 {
		return
	}
	if got := leave.DaysBetween(c.in.Today, c.in.Start); got < need {
		c.violate(RuleAdvanceNotice, "leave must be planned %d days in advance, only %d days notice given", need, got)
	}
}

func checkEligibility(c *checker) {
	p := c.in.Policy
	if p.Eligibility == "" || p.Eligibility == leave.EligibleFromJoining {
		return
	}
	if c.in.JoiningDate == nil {
		c.warn("eligibility check skipped: joining date unknown")
		return
	}
	from := leave.Day(*c.in.JoiningDate).AddDate(0, 0, p.EligibilityOffset())
	if c.in.Today.Before(from) {
		c.violate(RuleEligibility, "not yet eligible: %d days remaining until %s",
			leave.DaysBetween(c.in.Today, from), leave.FormatDate(from))
	}
}

func checkWeekendAdjacency(c *checker) {
	if !c.in.Policy.BlockLeaveBeforeWeekend {
		return
	}
	next := c.in.End.AddDate(0, 0, 1)
	working := !leave.IsWeekend(next)
	if c.cal != nil {
		ok, err := c.cal.IsWorkingDay(c.ctx, next)
		if err != nil {
			c.warn("working-day lookup failed, using Saturday/Sunday weekend: %v", err)
		} else {
			working = ok
		}
	}
	if !working {
		c.violate(RuleWeekendAdjacency, "leave may not end immediately before a non-working day (%s)", leave.FormatDate(next))
	}
}

func checkDocuments(c *checker) {
	if c.in.Policy.RequiresDocuments && c.in.Documents == 0 {
		c.violate(RuleDocuments, "supporting documents are required for this leave type")
	}
}

func checkMaxInstances(c *checker) {
	p := c.in.Policy
	if p.MaxInstances <= 0 {
		return
	}
	lo, hi := instanceWindow(p.InstancePeriod, c.in.Start)
	n := 0
	for _, r := range c.in.Existing {
		if r.ID == c.in.RequestID || r.PolicyID != p.ID || !r.Status.IsActive() {
			continue
		}
		s := leave.Day(r.StartDate)
		if !s.Before(lo) && !s.After(hi) {
			n++
		}
	}
	if n >= p.MaxInstances {
		c.violate(RuleMaxInstances, "maximum of %d requests per %s already reached", p.MaxInstances, periodLabel(p.InstancePeriod))
	}
}

func checkOverlap(c *checker) {
	others := append([]leave.LeaveRequest(nil), c.in.Existing...)
	sort.SliceStable(others, func(i, j int) bool { return others[i].StartDate.Before(others[j].StartDate) })
	for _, r := range others {
		if r.ID == c.in.RequestID || !r.Status.IsActive() {
			continue
		}
		if r.Overlaps(c.in.Start, c.in.End) {
			c.violate(RuleOverlap, "overlaps %s request from %s to %s",
				r.Status, leave.FormatDate(r.StartDate), leave.FormatDate(r.EndDate))
			return
		}
	}
}

func checkBlackouts(c *checker) {
	for _, b := range c.in.Blackouts {
		if b.LeavesAllowedDuring || !b.AppliesTo(c.in.EmployeeID) {
			continue
		}
		if leave.RangesOverlap(b.StartDate, b.EndDate, c.in.Start, c.in.End) {
			c.violate(RuleBlackout, "blackout period %q from %s to %s does not allow leave",
				b.Name, leave.FormatDate(b.StartDate), leave.FormatDate(b.EndDate))
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func instanceWindow(p leave.InstancePeriod, day time.Time) (time.Time, time.Time) {
	if p == leave.InstancesPerMonth {
		return leave.Date(day.Year(), day.Month(), 1), leave.EndOfMonth(day.Year(), day.Month())
	}
	return leave.StartOfYear(day.Year()), leave.EndOfYear(day.Year())
}

func periodLabel(p leave.InstancePeriod) string {
	if p == leave.InstancesPerMonth {
		return "month"
	}
	return "year"
}
