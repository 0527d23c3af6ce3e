// Package report renders read-model exports of the ledger.
package report

import (
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"
	"github.com/warp/leave-engine/leave"
)

// StatementHeader names whose statement is printed.
type StatementHeader struct {
	OrgID       leave.OrgID
	EmployeeID  leave.EmployeeID
	DisplayName string
	PolicyID    leave.PolicyID // empty = all policies
}

var columns = []struct {
	title string
	width float64
	align string
}{
	{"Date", 24, "L"},
	{"Policy", 28, "L"},
	{"Year", 12, "C"},
	{"Kind", 30, "L"},
	{"Amount", 18, "R"},
	{"Balance", 18, "R"},
	{"Description", 60, "L"},
}

// LedgerStatement writes entries as an A4 PDF table, in the order given.
func LedgerStatement(w io.Writer, hdr StatementHeader, entries []leave.LedgerEntry) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Leave ledger statement", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(40, 10, "Leave ledger statement")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	who := string(hdr.EmployeeID)
	if hdr.DisplayName != "" {
		who = fmt.Sprintf("%s (%s)", hdr.DisplayName, hdr.EmployeeID)
	}
	pdf.Cell(0, 7, fmt.Sprintf("Employee: %s", who))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Organization: %d", hdr.OrgID))
	pdf.Ln(6)
	if hdr.PolicyID != "" {
		pdf.Cell(0, 7, fmt.Sprintf("Policy: %s", hdr.PolicyID))
		pdf.Ln(6)
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 9)
	for _, c := range columns {
		pdf.CellFormat(c.width, 7, c.title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	if len(entries) == 0 {
		pdf.CellFormat(190, 7, "No ledger entries", "1", 1, "C", false, 0, "")
	}
	for _, e := range entries {
		cells := []string{
			e.CreatedAt.Format(leave.DateLayout),
			string(e.PolicyID),
			fmt.Sprint(e.Year),
			string(e.Kind),
			e.Amount.StringFixed(2),
			e.ResultingBalance.StringFixed(2),
			truncate(pdf, e.Description, columns[6].width-2),
		}
		for i, c := range columns {
			pdf.CellFormat(c.width, 6, cells[i], "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render statement: %w", err)
	}
	return nil
}

func truncate(pdf *gofpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && pdf.GetStringWidth(string(r)+"...") > width {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}
