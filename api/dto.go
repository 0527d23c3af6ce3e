/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO:     Response types returned to clients
  - *Request: Request body types from clients

DATES AND AMOUNTS:
  Dates are YYYY-MM-DD strings. Day amounts are decimal strings so half
  days survive JSON untouched.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/balance"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type AssignRequest struct {
	EmployeeID    string `json:"employee_id"`
	PolicyID      string `json:"policy_id"`
	EffectiveFrom string `json:"effective_from,omitempty"`
}

type SeedRequest struct {
	PolicyID string `json:"policy_id"`
	AsOf     string `json:"as_of,omitempty"`
}

type SubmitRequestDTO struct {
	EmployeeID string              `json:"employee_id"`
	PolicyID   string              `json:"policy_id"`
	StartDate  string              `json:"start_date"`
	EndDate    string              `json:"end_date"`
	Reason     string              `json:"reason,omitempty"`
	Documents  []leave.DocumentRef `json:"documents,omitempty"`
}

// TransitionRequest is the body of approve/reject/withdraw/cancel.
type TransitionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type BlackoutRequest struct {
	Name                string   `json:"name"`
	StartDate           string   `json:"start_date"`
	EndDate             string   `json:"end_date"`
	AssignedEmployeeIDs []string `json:"assigned_employee_ids"`
	LeavesAllowedDuring bool     `json:"leaves_allowed_during"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type SnapshotDTO struct {
	EmployeeID       string `json:"employee_id"`
	PolicyID         string `json:"policy_id"`
	Year             int    `json:"year"`
	TotalEntitlement string `json:"total_entitlement"`
	CurrentBalance   string `json:"current_balance"`
	UsedBalance      string `json:"used_balance"`
	CarryForward     string `json:"carry_forward"`
	Version          int64  `json:"version"`
	UpdatedAt        string `json:"updated_at"`
}

func toSnapshotDTO(s *leave.BalanceSnapshot) *SnapshotDTO {
	if s == nil {
		return nil
	}
	return &SnapshotDTO{
		EmployeeID:       string(s.Key.EmployeeID),
		PolicyID:         string(s.Key.PolicyID),
		Year:             s.Key.Year,
		TotalEntitlement: s.TotalEntitlement.String(),
		CurrentBalance:   s.CurrentBalance.String(),
		UsedBalance:      s.UsedBalance.String(),
		CarryForward:     s.CarryForward.String(),
		Version:          s.Version,
		UpdatedAt:        s.UpdatedAt.Format(time.RFC3339),
	}
}

// SeedDTO reports an assignment or explicit seed.
type SeedDTO struct {
	Created     bool         `json:"created"`
	Reason      string       `json:"reason,omitempty"`
	Snapshot    *SnapshotDTO `json:"snapshot,omitempty"`
	Entitlement string       `json:"entitlement,omitempty"`
	Opening     *OpeningDTO  `json:"opening,omitempty"`
}

type OpeningDTO struct {
	Amount       string `json:"amount"`
	SourcePolicy string `json:"source_policy"`
}

func toSeedDTO(r balance.SeedResult) SeedDTO {
	dto := SeedDTO{Created: r.Created, Reason: r.Reason, Snapshot: toSnapshotDTO(r.Snapshot)}
	if r.Created {
		dto.Entitlement = r.Entitlement.StartingBalance.String()
	}
	if r.Opening.Found {
		dto.Opening = &OpeningDTO{Amount: r.Opening.Amount.String(), SourcePolicy: string(r.Opening.SourcePolicy)}
	}
	return dto
}

// BalanceDTO is the getBalance response.
type BalanceDTO struct {
	EmployeeID     string       `json:"employee_id"`
	PolicyID       string       `json:"policy_id"`
	Year           int          `json:"year"`
	Tracked        bool         `json:"tracked"`
	Snapshot       *SnapshotDTO `json:"snapshot,omitempty"`
	OpeningBalance *OpeningDTO  `json:"opening_balance,omitempty"`
	AccruedToDate  string       `json:"accrued_to_date,omitempty"`
	ProjectedTotal string       `json:"projected_total,omitempty"`
	// Degraded is true when the directory could not be reached and the
	// figures assume no joining date.
	Degraded bool `json:"degraded"`
}

func toBalanceDTO(v balance.View) BalanceDTO {
	dto := BalanceDTO{
		EmployeeID: string(v.Key.EmployeeID),
		PolicyID:   string(v.Key.PolicyID),
		Year:       v.Key.Year,
		Tracked:    v.Tracked,
		Snapshot:   toSnapshotDTO(v.Snapshot),
		Degraded:   v.Degraded,
	}
	if !v.Tracked {
		return dto
	}
	dto.AccruedToDate = v.AccruedToDate.String()
	dto.ProjectedTotal = v.ProjectedTotal.String()
	if v.Opening.Found {
		dto.OpeningBalance = &OpeningDTO{Amount: v.Opening.Amount.String(), SourcePolicy: string(v.Opening.SourcePolicy)}
	}
	return dto
}

type TransitionDTO struct {
	From   string `json:"from"`
	Event  string `json:"event"`
	To     string `json:"to"`
	Effect string `json:"effect"`
}

// OutcomeDTO is returned by submit and every lifecycle transition.
type OutcomeDTO struct {
	Request    leave.LeaveRequest `json:"request"`
	Transition TransitionDTO      `json:"transition"`
	Entry      *leave.LedgerEntry `json:"ledger_entry,omitempty"`
	Skipped    bool               `json:"skipped"`
	Warnings   []string           `json:"warnings"`
}

func toOutcomeDTO(o approval.Outcome) OutcomeDTO {
	warnings := o.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return OutcomeDTO{
		Request: o.Request,
		Transition: TransitionDTO{
			From:   string(o.Transition.From),
			Event:  string(o.Transition.Event),
			To:     string(o.Transition.To),
			Effect: string(o.Transition.Effect),
		},
		Entry:    o.Entry,
		Skipped:  o.Skipped,
		Warnings: warnings,
	}
}

type PermittedDTO struct {
	RequestID string   `json:"request_id"`
	Status    string   `json:"status"`
	Events    []string `json:"events"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string            `json:"error"`
	Details    string            `json:"details,omitempty"`
	First      *leave.Violation  `json:"first,omitempty"`
	Violations []leave.Violation `json:"violations,omitempty"`
}
