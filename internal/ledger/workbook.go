package ledger

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ParseWorkbook parses the first sheet of an XLSX workbook with the same
// header and row rules as ParseCSV. Blank rows are skipped before numbering.
func ParseWorkbook(r io.Reader) (ParseResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return ParseResult{}, fmt.Errorf("workbook has no sheets")
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return ParseResult{}, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	var kept [][]string
	for _, row := range rows {
		if !isRowEmpty(row) {
			kept = append(kept, row)
		}
	}
	if len(kept) == 0 {
		return ParseResult{Records: []ParsedPartyInput{}, Errors: []string{ErrEmptyFile}, Fatal: true}, nil
	}

	return parseRows(kept[0], kept[1:], nil), nil
}

func isRowEmpty(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
