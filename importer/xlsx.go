package importer

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
	"github.com/xuri/excelize/v2"
)

// Header names, matched without case.
const (
	ColEmployeeID     = "employee_id"
	ColLeaveType      = "leave_type"
	ColOpeningBalance = "opening_balance"
	ColYear           = "year"
)

// ReadXLSX reads rows from the first sheet. The first row is the header;
// employee_id, leave_type and opening_balance are required, year is
// optional. Rows that fail to parse come back with Err set so the import
// report can name them.
func ReadXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	raw, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	cols := map[string]int{}
	for i, h := range raw[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, need := range []string{ColEmployeeID, ColLeaveType, ColOpeningBalance} {
		if _, ok := cols[need]; !ok {
			return nil, &leave.ConfigurationError{Reason: fmt.Sprintf("missing column %q", need)}
		}
	}

	cell := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for n, rec := range raw[1:] {
		line := n + 2
		if isBlank(rec) {
			continue
		}
		row := Row{
			Line:       line,
			EmployeeID: leave.EmployeeID(cell(rec, ColEmployeeID)),
			LeaveType:  cell(rec, ColLeaveType),
		}
		amount, err := decimal.NewFromString(cell(rec, ColOpeningBalance))
		if err != nil {
			row.Err = fmt.Sprintf("opening_balance %q is not a number", cell(rec, ColOpeningBalance))
		}
		row.OpeningBalance = amount
		if y := cell(rec, ColYear); y != "" && row.Err == "" {
			if row.Year, err = strconv.Atoi(y); err != nil {
				row.Err = fmt.Sprintf("year %q is not a number", y)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
