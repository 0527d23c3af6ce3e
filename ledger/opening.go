package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
)

// Opening is the result of an opening-balance lookup.
type Opening struct {
	Amount decimal.Decimal
	// SourcePolicy is the policy the opening grant was recorded against.
	// It differs from the requested policy when found by cross-reference.
	SourcePolicy leave.PolicyID
	Found        bool
}

// CrossReferenced reports whether the balance came from a sibling policy.
func (o Opening) CrossReferenced(policy leave.PolicyID) bool {
	return o.Found && o.SourcePolicy != policy
}

// OpeningBalance finds the opening-balance grants for (employee, policy,
// year). Exact policy matches win. Otherwise any other policy of the org
// sharing the leave-type id, or the leave-type name compared without case,
// is searched. Historical imports recorded openings against policy ids that
// have since been renumbered.
func (l *Ledger) OpeningBalance(ctx context.Context, org leave.OrgID, emp leave.EmployeeID, policyID leave.PolicyID, year int) (Opening, error) {
	return OpeningBalanceTx(ctx, l.store, org, emp, policyID, year)
}

// OpeningBalanceTx is OpeningBalance against any read surface, including an
// open transaction.
func OpeningBalanceTx(ctx context.Context, rs leave.ReadStore, org leave.OrgID, emp leave.EmployeeID, policyID leave.PolicyID, year int) (Opening, error) {
	if o, err := openingFor(ctx, rs, org, emp, policyID, year); err != nil || o.Found {
		return o, err
	}

	policy, err := rs.GetPolicy(ctx, org, policyID)
	if err != nil {
		return Opening{}, err
	}
	siblings, err := rs.ListPolicies(ctx, org)
	if err != nil {
		return Opening{}, fmt.Errorf("list policies for opening balance: %w", err)
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].ID < siblings[j].ID })

	for _, p := range siblings {
		if p.ID == policy.ID || !SameLeaveType(*policy, p) {
			continue
		}
		o, err := openingFor(ctx, rs, org, emp, p.ID, year)
		if err != nil {
			return Opening{}, err
		}
		if o.Found {
			return o, nil
		}
	}
	return Opening{Amount: decimal.Zero}, nil
}

// SameLeaveType is the cross-reference rule between two policies.
func SameLeaveType(a, b leave.Policy) bool {
	if a.LeaveTypeID != "" && a.LeaveTypeID == b.LeaveTypeID {
		return true
	}
	an, bn := strings.TrimSpace(a.LeaveTypeName), strings.TrimSpace(b.LeaveTypeName)
	return an != "" && strings.EqualFold(an, bn)
}

func openingFor(ctx context.Context, rs leave.ReadStore, org leave.OrgID, emp leave.EmployeeID, policyID leave.PolicyID, year int) (Opening, error) {
	entries, err := rs.ListEntries(ctx, leave.EntryFilter{
		OrgID:      org,
		EmployeeID: emp,
		PolicyID:   policyID,
		Year:       year,
		Kinds:      []leave.EntryKind{leave.EntryGrant},
	})
	if err != nil {
		return Opening{}, fmt.Errorf("list opening entries: %w", err)
	}
	o := Opening{Amount: decimal.Zero, SourcePolicy: policyID}
	for _, e := range entries {
		if leave.DescriptionTag(e.Description) == leave.TagOpening {
			o.Amount = o.Amount.Add(e.Amount)
			o.Found = true
		}
	}
	return o, nil
}
