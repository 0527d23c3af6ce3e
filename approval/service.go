/*
service.go - Leave request lifecycle

PURPOSE:
  Orchestrates submission and every later transition of a leave request.
  Each operation is one atomic unit: the request row and any ledger entry
  it causes are written together or not at all.

SUBMIT FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │ outside the unit (bounded by timeouts, may degrade):                 │
  │   policy + assignment -> working days -> calendar prefetch -> joining│
  │                                                                      │
  │ inside the unit:                                                     │
  │   lazy snapshot -> validate (all rules) -> initial state -> ledger   │
  │   -> save request                                                    │
  └──────────────────────────────────────────────────────────────────────┘

  The snapshot is locked (EnsureTx) before the unit reads the employee's
  other requests, so a second submission against the same balance waits
  and then validates against what the first one committed.

TRANSITIONS:
  approve / reject / withdraw / cancel resolve through the Machine. The
  unit locks the request row first, then the snapshot for (employee,
  policy, start-date year), creating it lazily when a ledger effect needs
  it and none exists. Two approvals of one request serialize on the row
  lock; the second sees the new status and fails the transition.

  A final approval that deducts without a prior pre-deduction re-checks
  the balance against the locked snapshot, so approvals of pending
  requests that each fit alone cannot overdraw together.

DEGRADED MODE:
  Working-day count:  calendar failure falls back to Monday..Friday count
  Holidays:           calendar failure skips the holiday rule
  Joining date:       directory failure assumes full entitlement
  Each fallback is logged and returned as a warning.

SEE ALSO:
  - machine.go: Transition table
  - validation/validation.go: Rules
  - ledger/ledger.go: Idempotency guard
*/
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/balance"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/validation"
	"go.uber.org/zap"
)

// DefaultCalendarTimeout bounds all calendar calls of one submission.
const DefaultCalendarTimeout = 2 * time.Second

// RuleDateRange is reported for malformed ranges before any other rule.
const RuleDateRange = "date_range"

// EventSubmit appears in approval history only; it is not in the table.
const EventSubmit Event = "submit"

// SubmitInput is a new leave request.
type SubmitInput struct {
	OrgID      leave.OrgID
	EmployeeID leave.EmployeeID
	PolicyID   leave.PolicyID
	Start      time.Time
	End        time.Time
	Reason     string
	Documents  []leave.DocumentRef
}

// Outcome is the result of any lifecycle operation.
type Outcome struct {
	Request    leave.LeaveRequest
	Transition Transition
	// Entry is the ledger entry written, nil if none.
	Entry *leave.LedgerEntry
	// Skipped is true when the ledger guard suppressed the effect.
	Skipped  bool
	Warnings []string
}

type Service struct {
	balances *balance.Service
	ledger   *ledger.Ledger
	store    leave.Store
	calendar validation.Calendar
	machine  *Machine
	timeout  time.Duration
	clock    leave.Clock
	logger   *zap.Logger
	newID    func() string
}

type Option func(*Service)

func WithClock(c leave.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMachine(m *Machine) Option { return func(s *Service) { s.machine = m } }

func WithCalendarTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(balances *balance.Service, cal validation.Calendar, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		balances: balances,
		ledger:   balances.Ledger(),
		store:    balances.Ledger().Store(),
		calendar: cal,
		machine:  DefaultMachine(),
		timeout:  DefaultCalendarTimeout,
		logger:   logger.Named("approval"),
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// =============================================================================
// SUBMIT
// =============================================================================

func (s *Service) Submit(ctx context.Context, in SubmitInput) (Outcome, error) {
	if in.OrgID <= 0 {
		return Outcome{}, &leave.ConfigurationError{Reason: "request requires an organization"}
	}
	start, end := leave.Day(in.Start), leave.Day(in.End)
	if in.EmployeeID == "" || in.PolicyID == "" {
		return Outcome{}, dateRangeError("employee and policy are required")
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return Outcome{}, dateRangeError("start and end dates are required")
	}
	if end.Before(start) {
		return Outcome{}, dateRangeError(fmt.Sprintf("end date %s is before start date %s",
			leave.FormatDate(end), leave.FormatDate(start)))
	}

	policy, err := s.store.GetPolicy(ctx, in.OrgID, in.PolicyID)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := s.store.GetAssignment(ctx, in.OrgID, in.EmployeeID, in.PolicyID); err != nil {
		return Outcome{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	days, warnings := s.workingDays(cctx, start, end)
	cal := validation.Prefetch(cctx, s.calendar, start, end)
	cancel()
	if days.IsZero() {
		return Outcome{}, dateRangeError(fmt.Sprintf("no working days between %s and %s",
			leave.FormatDate(start), leave.FormatDate(end)))
	}

	joining, degraded := s.balances.JoiningDate(ctx, in.EmployeeID)
	if degraded {
		warnings = append(warnings, "directory unavailable: eligibility and entitlement assume full entitlement")
	}

	today := s.clock.Today()
	now := s.clock.Now()
	status, effect := Initial(*policy)
	base := leave.LeaveRequest{
		ID:          leave.RequestID(s.newID()),
		OrgID:       in.OrgID,
		EmployeeID:  in.EmployeeID,
		PolicyID:    in.PolicyID,
		StartDate:   start,
		EndDate:     end,
		WorkingDays: days,
		Status:      status,
		WorkflowID:  policy.WorkflowID,
		Reason:      in.Reason,
		Documents:   append([]leave.DocumentRef(nil), in.Documents...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	base.ApprovalHistory = []leave.ApprovalAction{{
		Actor: string(in.EmployeeID), Event: string(EventSubmit), To: status, At: now, Reason: in.Reason,
	}}

	var out Outcome
	err = s.ledger.Update(ctx, func(tx leave.Tx) error {
		out = Outcome{Warnings: append([]string(nil), warnings...)}
		req := base

		seed, err := s.balances.EnsureTx(ctx, tx, *policy, in.EmployeeID, start.Year(), today, joining)
		if err != nil {
			return err
		}
		existing, err := tx.ListRequests(ctx, leave.RequestFilter{OrgID: in.OrgID, EmployeeID: in.EmployeeID})
		if err != nil {
			return fmt.Errorf("list requests: %w", err)
		}
		blackouts, err := tx.ListBlackouts(ctx, in.OrgID)
		if err != nil {
			return fmt.Errorf("list blackouts: %w", err)
		}

		res := validation.Validate(ctx, cal, validation.Input{
			Policy:      *policy,
			EmployeeID:  in.EmployeeID,
			RequestID:   req.ID,
			Start:       start,
			End:         end,
			WorkingDays: days,
			Today:       today,
			JoiningDate: joining,
			Snapshot:    seed.Snapshot,
			Documents:   len(in.Documents),
			Existing:    existing,
			Blackouts:   blackouts,
		})
		out.Warnings = append(out.Warnings, res.Warnings...)
		if err := res.Err(); err != nil {
			return err
		}

		out.Transition = Transition{Event: EventSubmit, To: status, Effect: effect}
		if err := s.applyEffect(ctx, tx, *policy, req, effect, &out); err != nil {
			return err
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		out.Request = req
		return nil
	})
	if err != nil {
		var ve *leave.ValidationError
		if errors.As(err, &ve) {
			s.logger.Info("leave request rejected by validation",
				zap.String("employee_id", string(in.EmployeeID)),
				zap.String("policy_id", string(in.PolicyID)),
				zap.String("first_violation", ve.First().Rule))
		}
		return Outcome{}, err
	}

	for _, w := range out.Warnings {
		s.logger.Warn("leave request submitted in degraded mode",
			zap.String("request_id", string(out.Request.ID)),
			zap.String("warning", w))
	}
	s.logger.Info("leave request submitted",
		zap.String("request_id", string(out.Request.ID)),
		zap.String("status", string(out.Request.Status)),
		zap.String("working_days", days.String()))
	return out, nil
}

// workingDays asks the calendar and falls back to a weekday count.
func (s *Service) workingDays(ctx context.Context, start, end time.Time) (decimal.Decimal, []string) {
	if s.calendar == nil {
		return decimal.NewFromInt(int64(leave.CountWeekdays(start, end))), nil
	}
	n, err := s.calendar.CountWorkingDays(ctx, start, end)
	if err != nil {
		s.logger.Warn("calendar unavailable, counting weekdays",
			zap.String("start", leave.FormatDate(start)),
			zap.String("end", leave.FormatDate(end)),
			zap.Error(err))
		return decimal.NewFromInt(int64(leave.CountWeekdays(start, end))),
			[]string{"calendar unavailable: working days counted as Monday to Friday"}
	}
	return decimal.NewFromInt(int64(n)), nil
}

func dateRangeError(msg string) error {
	return &leave.ValidationError{Violations: []leave.Violation{{Rule: RuleDateRange, Message: msg}}}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Service) Approve(ctx context.Context, org leave.OrgID, id leave.RequestID, actor string) (Outcome, error) {
	return s.fire(ctx, org, id, EventApprove, actor, "")
}

func (s *Service) Reject(ctx context.Context, org leave.OrgID, id leave.RequestID, actor, reason string) (Outcome, error) {
	return s.fire(ctx, org, id, EventReject, actor, reason)
}

func (s *Service) Withdraw(ctx context.Context, org leave.OrgID, id leave.RequestID, actor, reason string) (Outcome, error) {
	return s.fire(ctx, org, id, EventWithdraw, actor, reason)
}

// Cancel is only legal while the request is pending.
func (s *Service) Cancel(ctx context.Context, org leave.OrgID, id leave.RequestID, actor string) (Outcome, error) {
	return s.fire(ctx, org, id, EventCancel, actor, "")
}

func (s *Service) fire(ctx context.Context, org leave.OrgID, id leave.RequestID, ev Event, actor, reason string) (Outcome, error) {
	if org <= 0 {
		return Outcome{}, &leave.ConfigurationError{Reason: "request requires an organization"}
	}
	req, err := s.store.GetRequest(ctx, org, id)
	if err != nil {
		return Outcome{}, err
	}
	policy, err := s.store.GetPolicy(ctx, org, req.PolicyID)
	if err != nil {
		return Outcome{}, err
	}

	// The directory is only consulted when the unit may have to seed or
	// accrue. These reads decide nothing; the unit re-reads under lock.
	var joining *time.Time
	if policy.TracksBalance() {
		snap, err := s.store.GetSnapshot(ctx, req.BalanceKey())
		if err != nil {
			return Outcome{}, err
		}
		if snap == nil || policy.GrantMethod == leave.GrantAfterEarning {
			joining, _ = s.balances.JoiningDate(ctx, req.EmployeeID)
		}
	}

	today := s.clock.Today()
	var out Outcome
	err = s.ledger.Update(ctx, func(tx leave.Tx) error {
		out = Outcome{}
		cur, err := tx.LockRequest(ctx, org, id)
		if err != nil {
			return err
		}
		pol, err := tx.GetPolicy(ctx, org, cur.PolicyID)
		if err != nil {
			return err
		}

		t, err := s.machine.Fire(ev, Subject{Policy: *pol, Request: *cur})
		if err != nil {
			te := &leave.TransitionError{RequestID: id, From: cur.Status, Event: string(ev)}
			if errors.Is(err, ErrGuardFailed) {
				te.Reason = "not permitted by the leave policy"
			}
			return te
		}

		if touchesLedger(t.Effect) && pol.TracksBalance() {
			seed, err := s.balances.EnsureTx(ctx, tx, *pol, cur.EmployeeID, cur.StartDate.Year(), today, joining)
			if err != nil {
				return err
			}
			if t.Effect == EffectDeduct {
				if err := s.recheckBalance(ctx, tx, *pol, *cur, seed.Snapshot); err != nil {
					return err
				}
			}
		}
		if err := s.applyEffect(ctx, tx, *pol, *cur, t.Effect, &out); err != nil {
			return err
		}

		now := s.clock.Now()
		if cur.Status == leave.StatusPending && ev == EventApprove {
			cur.CurrentStep++
		}
		cur.Status = t.To
		cur.UpdatedAt = now
		cur.ApprovalHistory = append(cur.ApprovalHistory, leave.ApprovalAction{
			Actor: actor, Event: string(ev), From: t.From, To: t.To, Step: cur.CurrentStep, Reason: reason, At: now,
		})
		if err := tx.SaveRequest(ctx, *cur); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		out.Request = *cur
		out.Transition = t
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	s.logger.Info("leave request transitioned",
		zap.String("request_id", string(id)),
		zap.String("event", string(ev)),
		zap.String("from", string(out.Transition.From)),
		zap.String("to", string(out.Transition.To)),
		zap.String("actor", actor),
		zap.Bool("ledger_skipped", out.Skipped))
	return out, nil
}

// recheckBalance applies the balance rule to a deduction that is about to
// land for the first time. A request already holding days (pre-deduction)
// was checked when the hold was taken and the ledger guard skips it.
func (s *Service) recheckBalance(ctx context.Context, tx leave.Tx, policy leave.Policy, req leave.LeaveRequest, snap *leave.BalanceSnapshot) error {
	entries, err := tx.ListEntries(ctx, leave.EntryFilter{
		OrgID:      req.OrgID,
		EmployeeID: req.EmployeeID,
		PolicyID:   req.PolicyID,
		RequestID:  req.ID,
	})
	if err != nil {
		return fmt.Errorf("scan entries for request %s: %w", req.ID, err)
	}
	for _, e := range entries {
		if e.Kind.IsDeduction() {
			return nil
		}
	}
	if v, ok := validation.CheckBalance(policy, snap, req.WorkingDays); !ok {
		s.logger.Info("final approval blocked by balance",
			zap.String("request_id", string(req.ID)),
			zap.String("message", v.Message))
		return &leave.ValidationError{Violations: []leave.Violation{v}}
	}
	return nil
}

func touchesLedger(e Effect) bool {
	return e == EffectDeduct || e == EffectPreHold || e == EffectCredit
}

// applyEffect writes the ledger entry for effect. The ledger guard turns
// repeats into skips.
func (s *Service) applyEffect(ctx context.Context, tx leave.Tx, policy leave.Policy, req leave.LeaveRequest, effect Effect, out *Outcome) error {
	if !policy.TracksBalance() || !touchesLedger(effect) {
		return nil
	}
	in := ledger.AppendInput{
		Key:       req.BalanceKey(),
		RequestID: req.ID,
		Text: fmt.Sprintf("%s days %s to %s", req.WorkingDays,
			leave.FormatDate(req.StartDate), leave.FormatDate(req.EndDate)),
	}
	switch effect {
	case EffectDeduct:
		in.Kind, in.Amount, in.Tag = leave.EntryDeduction, req.WorkingDays.Neg(), leave.TagDeduct
	case EffectPreHold:
		in.Kind, in.Amount, in.Tag = leave.EntryPendingDeduction, req.WorkingDays.Neg(), leave.TagPreDeduct
	case EffectCredit:
		in.Kind, in.Amount, in.Tag = leave.EntryCredit, req.WorkingDays, leave.TagRestore
	}
	res, err := s.ledger.AppendTx(ctx, tx, in)
	if err != nil {
		return err
	}
	out.Skipped = res.Skipped
	if !res.Skipped {
		e := res.Entry
		out.Entry = &e
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.LeaveRequest, error) {
	return s.store.GetRequest(ctx, org, id)
}

func (s *Service) List(ctx context.Context, filter leave.RequestFilter) ([]leave.LeaveRequest, error) {
	return s.store.ListRequests(ctx, filter)
}

// Permitted lists the events the request currently accepts.
func (s *Service) Permitted(ctx context.Context, org leave.OrgID, id leave.RequestID) ([]Event, error) {
	req, err := s.store.GetRequest(ctx, org, id)
	if err != nil {
		return nil, err
	}
	policy, err := s.store.GetPolicy(ctx, org, req.PolicyID)
	if err != nil {
		return nil, err
	}
	return s.machine.Permitted(Subject{Policy: *policy, Request: *req}), nil
}
