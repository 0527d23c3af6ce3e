/*
machine.go - Leave request transition table

PURPOSE:
  The request lifecycle as data. Every legal (state, event) pair is listed
  once with an optional guard and the ledger effect it carries; anything
  not listed is rejected. Status is never written any other way.

TABLE:
  From                Event     Guard                         To                  Effect
  pending             approve   more workflow steps remain    pending             next step
  pending             approve   final step                    approved            deduct
  pending             reject    -                             rejected            credit
  pending             cancel    -                             withdrawn           credit
  pending             withdraw  withdraw before approval      withdrawn           credit
  approved            withdraw  after approval, workflow      withdrawal_pending  none
  approved            withdraw  after approval, no workflow   withdrawn           credit
  withdrawal_pending  approve   -                             withdrawn           credit
  withdrawal_pending  reject    -                             approved            none

  Credits only land when the request still holds days; the ledger's
  idempotency guard decides. A final-step deduction after a pre-workflow
  pending_deduction is skipped the same way.

GUARDS:
  Edges for one (state, event) are tried in order; the first passing guard
  wins. If every guard fails the event is refused with ErrGuardFailed.

SEE ALSO:
  - service.go: Applies the effect and persists the request
*/
package approval

import (
	"errors"
	"fmt"
	"sort"

	"github.com/warp/leave-engine/leave"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGuardFailed       = errors.New("transition guard failed")
)

// Event triggers a transition.
type Event string

const (
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventWithdraw Event = "withdraw"
	EventCancel   Event = "cancel"
)

// Effect is what a transition does to the ledger (or the workflow step).
type Effect string

const (
	EffectNone     Effect = "none"
	EffectNextStep Effect = "next_step"
	EffectDeduct   Effect = "deduct"
	EffectPreHold  Effect = "pre_deduct"
	EffectCredit   Effect = "credit"
)

// Subject is what guards look at.
type Subject struct {
	Policy  leave.Policy
	Request leave.LeaveRequest
}

type Guard func(s Subject) bool

// Transition is the outcome of firing an event.
type Transition struct {
	From   leave.Status
	Event  Event
	To     leave.Status
	Effect Effect
}

type edge struct {
	to     leave.Status
	effect Effect
	guard  Guard
}

// Machine holds the transition table. It is immutable once built and safe
// for concurrent use.
type Machine struct {
	edges map[leave.Status]map[Event][]edge
}

// StateConfig configures the edges leaving one state.
type StateConfig struct {
	m    *Machine
	from leave.Status
}

func NewMachine() *Machine {
	return &Machine{edges: make(map[leave.Status]map[Event][]edge)}
}

// Configure starts (or continues) the edge list for a state.
func (m *Machine) Configure(from leave.Status) *StateConfig {
	if !from.IsValid() {
		panic(fmt.Sprintf("invalid state: %s", from))
	}
	if m.edges[from] == nil {
		m.edges[from] = make(map[Event][]edge)
	}
	return &StateConfig{m: m, from: from}
}

func (c *StateConfig) Permit(ev Event, to leave.Status, effect Effect) *StateConfig {
	return c.PermitIf(ev, to, effect, nil)
}

func (c *StateConfig) PermitIf(ev Event, to leave.Status, effect Effect, guard Guard) *StateConfig {
	if !to.IsValid() {
		panic(fmt.Sprintf("invalid target state: %s", to))
	}
	c.m.edges[c.from][ev] = append(c.m.edges[c.from][ev], edge{to: to, effect: effect, guard: guard})
	return c
}

// Fire resolves the transition for ev from the subject's current status.
// It does not mutate anything.
func (m *Machine) Fire(ev Event, s Subject) (Transition, error) {
	from := s.Request.Status
	edges := m.edges[from][ev]
	if len(edges) == 0 {
		return Transition{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
	}
	for _, e := range edges {
		if e.guard == nil || e.guard(s) {
			return Transition{From: from, Event: ev, To: e.to, Effect: e.effect}, nil
		}
	}
	return Transition{}, fmt.Errorf("%w: %s from %s", ErrGuardFailed, ev, from)
}

// Permitted lists the events that would succeed for the subject right now.
func (m *Machine) Permitted(s Subject) []Event {
	var out []Event
	for ev := range m.edges[s.Request.Status] {
		if _, err := m.Fire(ev, s); err == nil {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Initial picks the state and effect of a fresh submission.
func Initial(p leave.Policy) (leave.Status, Effect) {
	switch {
	case !p.HasWorkflow():
		return leave.StatusApproved, EffectDeduct
	case p.DeductBeforeApproval:
		return leave.StatusPending, EffectPreHold
	default:
		return leave.StatusPending, EffectNone
	}
}

// =============================================================================
// DEFAULT TABLE
// =============================================================================

func moreSteps(s Subject) bool { return s.Request.CurrentStep+1 < s.Policy.ApprovalSteps() }

func finalStep(s Subject) bool { return !moreSteps(s) }

func withdrawBeforeApproval(s Subject) bool { return s.Policy.AllowWithdrawBeforeApproval }

func withdrawalWorkflow(s Subject) bool {
	return s.Policy.AllowWithdrawAfterApproval && s.Policy.WithdrawalWorkflowID != ""
}

func directWithdrawal(s Subject) bool {
	return s.Policy.AllowWithdrawAfterApproval && s.Policy.WithdrawalWorkflowID == ""
}

// DefaultMachine is the leave request lifecycle.
func DefaultMachine() *Machine {
	m := NewMachine()

	m.Configure(leave.StatusPending).
		PermitIf(EventApprove, leave.StatusPending, EffectNextStep, moreSteps).
		PermitIf(EventApprove, leave.StatusApproved, EffectDeduct, finalStep).
		Permit(EventReject, leave.StatusRejected, EffectCredit).
		Permit(EventCancel, leave.StatusWithdrawn, EffectCredit).
		PermitIf(EventWithdraw, leave.StatusWithdrawn, EffectCredit, withdrawBeforeApproval)

	m.Configure(leave.StatusApproved).
		PermitIf(EventWithdraw, leave.StatusWithdrawalPending, EffectNone, withdrawalWorkflow).
		PermitIf(EventWithdraw, leave.StatusWithdrawn, EffectCredit, directWithdrawal)

	m.Configure(leave.StatusWithdrawalPending).
		Permit(EventApprove, leave.StatusWithdrawn, EffectCredit).
		Permit(EventReject, leave.StatusApproved, EffectNone)

	m.Configure(leave.StatusRejected)
	m.Configure(leave.StatusWithdrawn)
	return m
}
