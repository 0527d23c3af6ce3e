/*
recalculate.go - Bulk balance recalculation

PURPOSE:
  recalculateAll(org, mode): walks every assignment of an organization and
  brings its balance for the year in line with the entitlement calculator.

MODES:
  auto   Seed missing snapshots only. Existing snapshots are skipped, so a
         second run writes nothing.
  accrue Seed missing snapshots and top up existing after_earning ones to
         what has accrued by the run date, as one "accrue" grant. A second
         run on the same day writes nothing. This is the scheduled mode.
  force  Seed missing snapshots, and for existing ones compare the target
         (entitlement + opening balance) with the snapshot's total grants.
         A non-zero difference is written as one "recalc" grant for the
         signed difference. History is never rewritten.

ISOLATION:
  Each assignment runs in its own unit. A failure is counted, logged and
  reported in the summary; the batch moves on.

SEE ALSO:
  - scheduler.go: Periodic accrue runs
  - balance/service.go: EnsureTx
*/
package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/leave-engine/balance"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeAccrue Mode = "accrue"
	ModeForce  Mode = "force"
)

// ParseMode accepts "auto", "accrue" and "force"; empty means auto.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeAccrue:
		return ModeAccrue, nil
	case ModeForce:
		return ModeForce, nil
	default:
		return "", &leave.ConfigurationError{Reason: fmt.Sprintf("unknown recalculation mode %q", raw)}
	}
}

// Failure names one assignment the batch could not process.
type Failure struct {
	EmployeeID leave.EmployeeID `json:"employee_id"`
	PolicyID   leave.PolicyID   `json:"policy_id"`
	Error      string           `json:"error"`
}

type Summary struct {
	OrgID     leave.OrgID `json:"org_id"`
	Mode      Mode        `json:"mode"`
	Year      int         `json:"year"`
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	// Entries is the number of ledger entries written.
	Entries  int       `json:"entries"`
	Failures []Failure `json:"failures,omitempty"`
}

type Recalculator struct {
	balances *balance.Service
	ledger   *ledger.Ledger
	store    leave.Store
	logger   *zap.Logger
}

func NewRecalculator(b *balance.Service, logger *zap.Logger) *Recalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recalculator{
		balances: b,
		ledger:   b.Ledger(),
		store:    b.Ledger().Store(),
		logger:   logger.Named("recalc"),
	}
}

// Run processes every assignment of org for year (0 = current year).
func (r *Recalculator) Run(ctx context.Context, org leave.OrgID, mode Mode, year int) (Summary, error) {
	if org <= 0 {
		return Summary{}, &leave.ConfigurationError{Reason: "recalculation requires an organization"}
	}
	if mode != ModeAuto && mode != ModeAccrue && mode != ModeForce {
		return Summary{}, &leave.ConfigurationError{Reason: fmt.Sprintf("unknown recalculation mode %q", mode)}
	}
	today := r.balances.Today()
	if year == 0 {
		year = today.Year()
	}
	sum := Summary{OrgID: org, Mode: mode, Year: year}

	assignments, err := r.store.ListAssignments(ctx, org)
	if err != nil {
		return sum, fmt.Errorf("list assignments: %w", err)
	}
	policies, err := r.store.ListPolicies(ctx, org)
	if err != nil {
		return sum, fmt.Errorf("list policies: %w", err)
	}
	byID := make(map[leave.PolicyID]leave.Policy, len(policies))
	for _, p := range policies {
		byID[p.ID] = p
	}

	asOf := today
	if today.Year() != year {
		asOf = leave.EndOfYear(year)
		if today.Year() < year {
			asOf = leave.StartOfYear(year)
		}
	}

	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Processed++
		policy, ok := byID[a.PolicyID]
		if !ok {
			r.fail(&sum, a, &leave.NotFoundError{Resource: "policy", ID: string(a.PolicyID)})
			continue
		}
		if !policy.TracksBalance() {
			sum.Skipped++
			continue
		}

		written, skipped, err := r.one(ctx, policy, a.EmployeeID, year, asOf, mode)
		switch {
		case err != nil:
			r.fail(&sum, a, err)
		case skipped:
			sum.Skipped++
		default:
			sum.Succeeded++
			sum.Entries += written
		}
	}

	r.logger.Info("recalculation finished",
		zap.Int64("org_id", int64(org)),
		zap.String("mode", string(mode)),
		zap.Int("year", year),
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("entries", sum.Entries))
	return sum, nil
}

func (r *Recalculator) fail(sum *Summary, a leave.Assignment, err error) {
	sum.Failed++
	sum.Failures = append(sum.Failures, Failure{EmployeeID: a.EmployeeID, PolicyID: a.PolicyID, Error: err.Error()})
	r.logger.Error("recalculation failed for employee",
		zap.String("employee_id", string(a.EmployeeID)),
		zap.String("policy_id", string(a.PolicyID)),
		zap.Error(err))
}

// one handles a single assignment. It returns the number of entries written
// and whether the assignment was skipped.
func (r *Recalculator) one(ctx context.Context, policy leave.Policy, emp leave.EmployeeID, year int, asOf time.Time, mode Mode) (int, bool, error) {
	key := leave.BalanceKey{OrgID: policy.OrgID, EmployeeID: emp, PolicyID: policy.ID, Year: year}
	existing, err := r.store.GetSnapshot(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if existing != nil && mode == ModeAuto {
		return 0, true, nil
	}
	joining, _ := r.balances.JoiningDate(ctx, emp)

	written := 0
	err = r.ledger.Update(ctx, func(tx leave.Tx) error {
		written = 0
		seed, err := r.balances.EnsureTx(ctx, tx, policy, emp, year, asOf, joining)
		if err != nil {
			return err
		}
		if seed.Created {
			written++
			if seed.Opening.CrossReferenced(policy.ID) && !seed.Opening.Amount.IsZero() {
				written++
			}
			return nil
		}
		if !seed.Accrued.IsZero() {
			written++
		}
		if mode != ModeForce {
			return nil
		}

		target, err := entitlement.Compute(policy, joining, asOf, year)
		if err != nil {
			return err
		}
		opening, err := ledger.OpeningBalanceTx(ctx, tx, policy.OrgID, emp, policy.ID, year)
		if err != nil {
			return err
		}
		want := target.StartingBalance.Add(opening.Amount)
		diff := want.Sub(seed.Snapshot.TotalEntitlement)
		if diff.IsZero() {
			return nil
		}
		_, err = r.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			Key:    key,
			Kind:   leave.EntryGrant,
			Amount: diff,
			Tag:    leave.TagRecalc,
			Text:   fmt.Sprintf("entitlement recalculated to %s (was %s)", want, seed.Snapshot.TotalEntitlement),
		})
		if err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return written, existing != nil && written == 0, nil
}
