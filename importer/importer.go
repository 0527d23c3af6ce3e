/*
importer.go - Bulk opening-balance import

PURPOSE:
  Loads historical opening balances, one row per (employee, leave type,
  year), and records each as an "opening" grant against the policy an
  administrator mapped the leave type to.

MAPPING:
  Leave-type labels resolve through an explicit, admin-curated table. The
  lookup ignores case and surrounding whitespace and nothing else: a label
  that is not in the table is a row error, never a best guess. The table
  is checked against the organization's policies before any row runs.

PER ROW (one atomic unit each, rows are independent):
  1. resolve label -> policy
  2. opening already recorded for (employee, policy, year)?  -> skipped
  3. save the assignment if missing
  4. seed the snapshot (may carry a sibling policy's opening)
  5. still no opening for this policy?  -> append the opening grant

  Re-running the same file is therefore a no-op.

SEE ALSO:
  - xlsx.go: Spreadsheet adapter
  - ledger/opening.go: How openings are read back
*/
package importer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/balance"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"go.uber.org/zap"
)

// Row is one opening balance to import.
type Row struct {
	Line           int
	EmployeeID     leave.EmployeeID
	LeaveType      string
	OpeningBalance decimal.Decimal
	// Year 0 means the current year.
	Year int
	// Err is set by parsers for rows that could not be read.
	Err string
}

// Mapping is the admin-curated label -> policy table.
type Mapping struct {
	entries map[string]leave.PolicyID
}

func NewMapping(labels map[string]leave.PolicyID) Mapping {
	m := Mapping{entries: make(map[string]leave.PolicyID, len(labels))}
	for label, id := range labels {
		m.entries[normalize(label)] = id
	}
	return m
}

func normalize(label string) string { return strings.ToLower(strings.TrimSpace(label)) }

func (m Mapping) Resolve(label string) (leave.PolicyID, bool) {
	id, ok := m.entries[normalize(label)]
	return id, ok
}

func (m Mapping) Len() int { return len(m.entries) }

// Validate rejects a table that points at policies the org does not have.
func (m Mapping) Validate(policies []leave.Policy) error {
	if len(m.entries) == 0 {
		return &leave.ConfigurationError{Reason: "leave type mapping is empty"}
	}
	known := make(map[leave.PolicyID]bool, len(policies))
	for _, p := range policies {
		known[p.ID] = true
	}
	var bad []string
	for label, id := range m.entries {
		if !known[id] {
			bad = append(bad, fmt.Sprintf("%q -> %s", label, id))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return &leave.ConfigurationError{Reason: "mapping references unknown policies: " + strings.Join(bad, ", ")}
	}
	return nil
}

// RowResult is the outcome of one row.
type RowResult struct {
	Line       int              `json:"line"`
	EmployeeID leave.EmployeeID `json:"employee_id"`
	LeaveType  string           `json:"leave_type"`
	PolicyID   leave.PolicyID   `json:"policy_id,omitempty"`
	Status     string           `json:"status"`
	Message    string           `json:"message,omitempty"`
}

const (
	RowImported = "imported"
	RowSkipped  = "skipped"
	RowFailed   = "failed"
)

type Report struct {
	Rows     int         `json:"rows"`
	Imported int         `json:"imported"`
	Skipped  int         `json:"skipped"`
	Failed   int         `json:"failed"`
	Results  []RowResult `json:"results"`
}

type Importer struct {
	balances *balance.Service
	ledger   *ledger.Ledger
	store    leave.Store
	logger   *zap.Logger
}

func New(b *balance.Service, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{balances: b, ledger: b.Ledger(), store: b.Ledger().Store(), logger: logger.Named("importer")}
}

// Import processes rows for org. Only a bad mapping fails the whole call.
func (im *Importer) Import(ctx context.Context, org leave.OrgID, mapping Mapping, rows []Row) (Report, error) {
	if org <= 0 {
		return Report{}, &leave.ConfigurationError{Reason: "import requires an organization"}
	}
	policies, err := im.store.ListPolicies(ctx, org)
	if err != nil {
		return Report{}, fmt.Errorf("list policies: %w", err)
	}
	if err := mapping.Validate(policies); err != nil {
		return Report{}, err
	}

	rep := Report{Rows: len(rows)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res := im.row(ctx, org, mapping, row)
		switch res.Status {
		case RowImported:
			rep.Imported++
		case RowSkipped:
			rep.Skipped++
		default:
			rep.Failed++
			im.logger.Warn("import row failed",
				zap.Int("line", row.Line),
				zap.String("employee_id", string(row.EmployeeID)),
				zap.String("message", res.Message))
		}
		rep.Results = append(rep.Results, res)
	}

	im.logger.Info("opening balance import finished",
		zap.Int64("org_id", int64(org)),
		zap.Int("rows", rep.Rows),
		zap.Int("imported", rep.Imported),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed))
	return rep, nil
}

func (im *Importer) row(ctx context.Context, org leave.OrgID, mapping Mapping, row Row) RowResult {
	res := RowResult{Line: row.Line, EmployeeID: row.EmployeeID, LeaveType: row.LeaveType}
	fail := func(msg string) RowResult {
		res.Status, res.Message = RowFailed, msg
		return res
	}
	if row.Err != "" {
		return fail(row.Err)
	}
	if row.EmployeeID == "" {
		return fail("employee id is empty")
	}
	policyID, ok := mapping.Resolve(row.LeaveType)
	if !ok {
		return fail(fmt.Sprintf("leave type %q is not in the mapping", row.LeaveType))
	}
	res.PolicyID = policyID

	policy, err := im.store.GetPolicy(ctx, org, policyID)
	if err != nil {
		return fail(err.Error())
	}
	if !policy.TracksBalance() {
		return fail(fmt.Sprintf("policy %s has no allotment and keeps no balance", policyID))
	}
	today := im.balances.Today()
	year := row.Year
	if year == 0 {
		year = today.Year()
	}
	key := leave.BalanceKey{OrgID: org, EmployeeID: row.EmployeeID, PolicyID: policyID, Year: year}
	joining, _ := im.balances.JoiningDate(ctx, row.EmployeeID)

	err = im.ledger.Update(ctx, func(tx leave.Tx) error {
		res.Status, res.Message = "", ""
		found, err := hasOpening(ctx, tx, key)
		if err != nil {
			return err
		}
		if found {
			res.Status, res.Message = RowSkipped, "opening balance already recorded"
			return nil
		}

		if _, err := tx.GetAssignment(ctx, org, row.EmployeeID, policyID); leave.IsNotFound(err) {
			a := leave.Assignment{OrgID: org, EmployeeID: row.EmployeeID, PolicyID: policyID, EffectiveFrom: today, CreatedAt: today}
			if err := tx.SaveAssignment(ctx, a); err != nil {
				return fmt.Errorf("save assignment: %w", err)
			}
		} else if err != nil {
			return err
		}

		seed, err := im.balances.EnsureTx(ctx, tx, *policy, row.EmployeeID, year, today, joining)
		if err != nil {
			return err
		}
		if seed.Created && seed.Opening.CrossReferenced(policyID) && !seed.Opening.Amount.IsZero() {
			res.Status = RowSkipped
			res.Message = fmt.Sprintf("opening balance carried from policy %s", seed.Opening.SourcePolicy)
			return nil
		}

		_, err = im.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			Key:          key,
			Kind:         leave.EntryGrant,
			Amount:       row.OpeningBalance,
			Tag:          leave.TagOpening,
			Text:         fmt.Sprintf("imported opening balance %s for %q", row.OpeningBalance, row.LeaveType),
			CarryForward: true,
		})
		if err != nil {
			return err
		}
		res.Status = RowImported
		return nil
	})
	if err != nil {
		return fail(err.Error())
	}
	return res
}

func hasOpening(ctx context.Context, rs leave.ReadStore, key leave.BalanceKey) (bool, error) {
	entries, err := rs.ListEntries(ctx, leave.EntryFilter{
		OrgID:      key.OrgID,
		EmployeeID: key.EmployeeID,
		PolicyID:   key.PolicyID,
		Year:       key.Year,
		Kinds:      []leave.EntryKind{leave.EntryGrant},
	})
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if leave.DescriptionTag(e.Description) == leave.TagOpening {
			return true, nil
		}
	}
	return false, nil
}
