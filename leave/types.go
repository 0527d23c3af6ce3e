/*
types.go - Core domain types for the leave entitlement engine

PURPOSE:
  Defines the vocabulary shared by every component: policies, assignments,
  balance snapshots, ledger entries, leave requests and blackout periods.
  These types are storage-agnostic; store/memory and store/sqlstore persist
  them as-is.

KEY CONCEPTS:
  Policy:          Admin-owned ruleset for one leave type (a.k.a. variant)
  Assignment:      Employee-to-policy link, the trigger for balance seeding
  BalanceSnapshot: Cached balance per (org, employee, policy, year)
  LedgerEntry:     Immutable balance change; the system of record
  LeaveRequest:    Request lifecycle record, mutated only by approval

AMOUNTS:
  All day amounts are decimal.Decimal. Half days are legal and float
  rounding would break the conservation check.

SEE ALSO:
  - status.go: LeaveRequest state enum
  - errors.go: Error taxonomy
  - store.go:  Persistence contracts
*/
package leave

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	OrgID      int64
	EmployeeID string
	PolicyID   string
	RequestID  string
)

// ParseOrgID validates an organization identifier taken from the outside
// world. Missing or non-numeric identifiers are configuration errors.
func ParseOrgID(raw string) (OrgID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ConfigurationError{Reason: "organization id is required"}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, &ConfigurationError{Reason: fmt.Sprintf("organization id %q is not a positive integer", raw)}
	}
	return OrgID(n), nil
}

// =============================================================================
// POLICY ENUMS
// =============================================================================

// GrantMethod decides whether days are available up front or earned.
type GrantMethod string

const (
	GrantInAdvance    GrantMethod = "in_advance"
	GrantAfterEarning GrantMethod = "after_earning"
)

// GrantFrequency is the granting cadence.
type GrantFrequency string

const (
	PerYear  GrantFrequency = "per_year"
	PerMonth GrantFrequency = "per_month"
)

// EligibilityGate decides when a new joiner may start taking leave.
type EligibilityGate string

const (
	EligibleFromJoining    EligibilityGate = "from_joining"
	EligibleAfterProbation EligibilityGate = "after_probation"
	EligibleAfterNDays     EligibilityGate = "after_n_days"
)

// DefaultProbationDays applies to after_probation policies that leave
// EligibilityDays unset.
const DefaultProbationDays = 90

// InstancePeriod is the window used to count request instances.
type InstancePeriod string

const (
	InstancesPerYear  InstancePeriod = "calendar_year"
	InstancesPerMonth InstancePeriod = "calendar_month"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy is the configured entitlement ruleset for one leave type.
type Policy struct {
	ID            PolicyID `json:"id"`
	OrgID         OrgID    `json:"org_id"`
	Name          string   `json:"name"`
	LeaveTypeID   string   `json:"leave_type_id,omitempty"`
	LeaveTypeName string   `json:"leave_type_name"`

	GrantMethod    GrantMethod    `json:"grant_method"`
	GrantFrequency GrantFrequency `json:"grant_frequency"`
	// AnnualAllotment is nil when the policy does not track a balance.
	AnnualAllotment *decimal.Decimal `json:"annual_allotment,omitempty"`

	MinDaysPerRequest decimal.Decimal `json:"min_days_per_request"`
	MaxDaysInStretch  decimal.Decimal `json:"max_days_in_stretch"`
	MaxInstances      int             `json:"max_instances"`
	InstancePeriod    InstancePeriod  `json:"instance_period,omitempty"`
	AdvanceNoticeDays int             `json:"advance_notice_days"`

	Eligibility     EligibilityGate `json:"eligibility"`
	EligibilityDays int             `json:"eligibility_days,omitempty"`

	DeductBeforeApproval bool            `json:"deduct_before_approval"`
	AllowNegativeBalance bool            `json:"allow_negative_balance"`
	NegativeBalanceLimit decimal.Decimal `json:"negative_balance_limit"`
	CarryForwardCap      decimal.Decimal `json:"carry_forward_cap"`

	RequiresDocuments           bool `json:"requires_documents"`
	AllowWithdrawBeforeApproval bool `json:"allow_withdraw_before_approval"`
	AllowWithdrawAfterApproval  bool `json:"allow_withdraw_after_approval"`
	BlockLeaveBeforeWeekend     bool `json:"block_leave_before_weekend"`

	// WorkflowID empty means requests are approved on submission.
	WorkflowID           string `json:"workflow_id,omitempty"`
	WorkflowSteps        int    `json:"workflow_steps,omitempty"`
	WithdrawalWorkflowID string `json:"withdrawal_workflow_id,omitempty"`
}

// TracksBalance reports whether a balance is ever created for the policy.
func (p Policy) TracksBalance() bool { return p.AnnualAllotment != nil }

// HasWorkflow reports whether submissions start in pending.
func (p Policy) HasWorkflow() bool { return p.WorkflowID != "" }

// ApprovalSteps is the number of approvals a request needs.
func (p Policy) ApprovalSteps() int {
	if !p.HasWorkflow() {
		return 0
	}
	if p.WorkflowSteps < 1 {
		return 1
	}
	return p.WorkflowSteps
}

// EligibilityOffset returns the days after joining before leave may be taken.
func (p Policy) EligibilityOffset() int {
	switch p.Eligibility {
	case EligibleAfterProbation:
		if p.EligibilityDays > 0 {
			return p.EligibilityDays
		}
		return DefaultProbationDays
	case EligibleAfterNDays:
		return p.EligibilityDays
	default:
		return 0
	}
}

// Validate checks the admin-supplied configuration.
func (p Policy) Validate() error {
	if p.ID == "" {
		return &ConfigurationError{Reason: "policy id is required"}
	}
	if p.AnnualAllotment != nil && p.AnnualAllotment.IsNegative() {
		return &ConfigurationError{Reason: "annual allotment must not be negative"}
	}
	switch p.GrantMethod {
	case GrantInAdvance, GrantAfterEarning:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown grant method %q", p.GrantMethod)}
	}
	switch p.GrantFrequency {
	case PerYear, PerMonth:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown grant frequency %q", p.GrantFrequency)}
	}
	switch p.Eligibility {
	case "", EligibleFromJoining, EligibleAfterProbation, EligibleAfterNDays:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown eligibility gate %q", p.Eligibility)}
	}
	switch p.InstancePeriod {
	case "", InstancesPerYear, InstancesPerMonth:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown instance period %q", p.InstancePeriod)}
	}
	if p.MinDaysPerRequest.IsNegative() || p.MaxDaysInStretch.IsNegative() ||
		p.MaxInstances < 0 || p.AdvanceNoticeDays < 0 || p.EligibilityDays < 0 || p.WorkflowSteps < 0 {
		return &ConfigurationError{Reason: "request limits must not be negative"}
	}
	return nil
}

// =============================================================================
// ASSIGNMENT & SNAPSHOT
// =============================================================================

// Assignment makes an employee eligible for a policy.
type Assignment struct {
	OrgID         OrgID      `json:"org_id"`
	EmployeeID    EmployeeID `json:"employee_id"`
	PolicyID      PolicyID   `json:"policy_id"`
	EffectiveFrom time.Time  `json:"effective_from"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BalanceKey identifies one snapshot and its ledger stream.
type BalanceKey struct {
	OrgID      OrgID
	EmployeeID EmployeeID
	PolicyID   PolicyID
	Year       int
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%d", k.OrgID, k.EmployeeID, k.PolicyID, k.Year)
}

// BalanceSnapshot caches the ledger. CurrentBalance must always equal the
// sum of the entries for its key. Version is the number of entries applied.
type BalanceSnapshot struct {
	Key              BalanceKey
	TotalEntitlement decimal.Decimal
	CurrentBalance   decimal.Decimal
	UsedBalance      decimal.Decimal
	CarryForward     decimal.Decimal
	Version          int64
	UpdatedAt        time.Time
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryKind string

const (
	EntryGrant            EntryKind = "grant"
	EntryCredit           EntryKind = "credit"
	EntryDeduction        EntryKind = "deduction"
	EntryPendingDeduction EntryKind = "pending_deduction"
)

// IsDeduction reports membership of the deduction family.
func (k EntryKind) IsDeduction() bool {
	return k == EntryDeduction || k == EntryPendingDeduction
}

func (k EntryKind) IsValid() bool {
	switch k {
	case EntryGrant, EntryCredit, EntryDeduction, EntryPendingDeduction:
		return true
	}
	return false
}

// LedgerEntry is immutable once written.
type LedgerEntry struct {
	ID               string          `json:"id"`
	OrgID            OrgID           `json:"org_id"`
	EmployeeID       EmployeeID      `json:"employee_id"`
	PolicyID         PolicyID        `json:"policy_id"`
	Year             int             `json:"year"`
	Sequence         int64           `json:"sequence"`
	Kind             EntryKind       `json:"kind"`
	Amount           decimal.Decimal `json:"amount"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Description      string          `json:"description"`
	RequestID        RequestID       `json:"request_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (e LedgerEntry) Key() BalanceKey {
	return BalanceKey{OrgID: e.OrgID, EmployeeID: e.EmployeeID, PolicyID: e.PolicyID, Year: e.Year}
}

// =============================================================================
// LEAVE REQUEST
// =============================================================================

// DocumentRef points at a stored supporting document by opaque id.
type DocumentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// ApprovalAction is one entry of a request's audit trail.
type ApprovalAction struct {
	Actor  string    `json:"actor"`
	Event  string    `json:"event"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Step   int       `json:"step"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type LeaveRequest struct {
	ID              RequestID        `json:"id"`
	OrgID           OrgID            `json:"org_id"`
	EmployeeID      EmployeeID       `json:"employee_id"`
	PolicyID        PolicyID         `json:"policy_id"`
	StartDate       time.Time        `json:"start_date"`
	EndDate         time.Time        `json:"end_date"`
	WorkingDays     decimal.Decimal  `json:"working_days"`
	Status          Status           `json:"status"`
	WorkflowID      string           `json:"workflow_id,omitempty"`
	CurrentStep     int              `json:"current_step"`
	Reason          string           `json:"reason,omitempty"`
	ApprovalHistory []ApprovalAction `json:"approval_history"`
	Documents       []DocumentRef    `json:"documents"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// BalanceKey returns the key the request is charged to: the year of its
// start date.
func (r LeaveRequest) BalanceKey() BalanceKey {
	return BalanceKey{OrgID: r.OrgID, EmployeeID: r.EmployeeID, PolicyID: r.PolicyID, Year: r.StartDate.Year()}
}

// Overlaps uses an inclusive test on both ends.
func (r LeaveRequest) Overlaps(start, end time.Time) bool {
	return RangesOverlap(r.StartDate, r.EndDate, start, end)
}

// =============================================================================
// BLACKOUT PERIOD
// =============================================================================

type BlackoutPeriod struct {
	ID                  string       `json:"id"`
	OrgID               OrgID        `json:"org_id"`
	Name                string       `json:"name"`
	StartDate           time.Time    `json:"start_date"`
	EndDate             time.Time    `json:"end_date"`
	AssignedEmployeeIDs []EmployeeID `json:"assigned_employee_ids"`
	LeavesAllowedDuring bool         `json:"leaves_allowed_during"`
}

func (b BlackoutPeriod) AppliesTo(emp EmployeeID) bool {
	for _, id := range b.AssignedEmployeeIDs {
		if id == emp {
			return true
		}
	}
	return false
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// EmployeeInfo is what the external directory knows about an employee.
type EmployeeInfo struct {
	ID          EmployeeID
	DisplayName string
	JoiningDate *time.Time
}

// Directory is the read-only employee directory. LookupEmployee returns
// (nil, nil) when the employee is unknown.
type Directory interface {
	LookupEmployee(ctx context.Context, id EmployeeID) (*EmployeeInfo, error)
}
