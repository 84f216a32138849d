package ledger

// parse.go turns untrusted CSV text into validated party rows.
//
// Parsing is best effort: one bad row never aborts the parse. The caller
// gets every usable row plus a complete error list. Only a header without
// the required columns is fatal, and then no rows are returned.
//
// Lines are split before fields, so a quoted field cannot span lines.

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Column headers, matched case-insensitively.
const (
	ColumnName      = "Party Name"
	ColumnAddress   = "Address"
	ColumnPhone     = "Phone"
	ColumnTaxID     = "PAN"
	ColumnDueAmount = "Due Amount"
)

// ErrEmptyFile is reported when the input holds no non-blank lines.
const ErrEmptyFile = "File is empty"

var lineSplitter = regexp.MustCompile(`\r?\n`)

// ParseCSV parses raw CSV text into party records and row errors.
// It is pure: the same input always yields the same result.
func ParseCSV(raw string) ParseResult {
	raw = strings.TrimPrefix(raw, "\ufeff")

	var lines []string
	for _, line := range lineSplitter.Split(raw, -1) {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ParseResult{Records: []ParsedPartyInput{}, Errors: []string{ErrEmptyFile}, Fatal: true}
	}

	header, err := splitLine(lines[0])
	if err != nil {
		return ParseResult{
			Records: []ParsedPartyInput{},
			Errors:  []string{fmt.Sprintf("Malformed header row: %v", err)},
			Fatal:   true,
		}
	}

	rows := make([][]string, 0, len(lines)-1)
	var splitErrs map[int]error
	for i, line := range lines[1:] {
		fields, err := splitLine(line)
		if err != nil {
			if splitErrs == nil {
				splitErrs = make(map[int]error)
			}
			splitErrs[i] = err
		}
		rows = append(rows, fields)
	}

	return parseRows(header, rows, splitErrs)
}

// ParseCSVReader reads CSV from r and parses it with ParseCSV.
// A UTF-8 or UTF-16 byte order mark selects the decoding; without one the
// input is treated as UTF-8 and invalid sequences become U+FFFD.
func ParseCSVReader(r io.Reader) (ParseResult, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(r, decoder))
	if err != nil {
		return ParseResult{}, fmt.Errorf("read csv: %w", err)
	}
	return ParseCSV(string(data)), nil
}

// splitLine splits one CSV line. Quoted fields may contain commas, and a
// doubled quote inside a quoted field is a literal quote.
func splitLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	fields, err := r.Read()
	if err == io.EOF {
		return []string{}, nil
	}
	return fields, err
}

// columnIndex maps required and optional columns to positions (-1 if absent).
type columnIndex struct {
	name, address, phone, taxID, due int
}

func resolveColumns(header []string) columnIndex {
	idx := columnIndex{-1, -1, -1, -1, -1}
	for i, h := range header {
		h = strings.TrimSpace(h)
		switch {
		case idx.name < 0 && strings.EqualFold(h, ColumnName):
			idx.name = i
		case idx.address < 0 && strings.EqualFold(h, ColumnAddress):
			idx.address = i
		case idx.phone < 0 && strings.EqualFold(h, ColumnPhone):
			idx.phone = i
		case idx.taxID < 0 && strings.EqualFold(h, ColumnTaxID):
			idx.taxID = i
		case idx.due < 0 && strings.EqualFold(h, ColumnDueAmount):
			idx.due = i
		}
	}
	return idx
}

// parseRows validates data rows against the header. splitErrs holds rows
// (by zero-based position) whose line could not be split.
func parseRows(header []string, rows [][]string, splitErrs map[int]error) ParseResult {
	result := ParseResult{Records: []ParsedPartyInput{}, Errors: []string{}}

	cols := resolveColumns(header)
	if cols.name < 0 {
		result.Errors = append(result.Errors, "Missing required column: "+ColumnName)
	}
	if cols.taxID < 0 {
		result.Errors = append(result.Errors, "Missing required column: "+ColumnTaxID)
	}
	if len(result.Errors) > 0 {
		result.Fatal = true
		return result
	}

	for i, row := range rows {
		rowNum := i + 1
		if err, ok := splitErrs[i]; ok {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: Malformed line: %v", rowNum, err))
			continue
		}

		rec, msg := parseRow(row, cols)
		if msg != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %s", rowNum, msg))
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result
}

// parseRow builds a record from one row, or returns the reason it is invalid.
func parseRow(row []string, cols columnIndex) (ParsedPartyInput, string) {
	rec := ParsedPartyInput{
		Name:    cell(row, cols.name),
		Address: cell(row, cols.address),
		Phone:   cell(row, cols.phone),
		TaxID:   cell(row, cols.taxID),
	}
	if rec.Name == "" {
		return rec, ColumnName + " is required"
	}
	if rec.TaxID == "" {
		return rec, ColumnTaxID + " is required"
	}

	rawDue := cell(row, cols.due)
	if rawDue == "" {
		rawDue = "0"
	}
	due, err := ParseAmount(rawDue)
	if err != nil {
		return rec, err.Error()
	}
	rec.DueAmount = due
	return rec, ""
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

var (
	// amountNoise matches currency symbols, thousands separators and whitespace.
	amountNoise = regexp.MustCompile(`[\p{Sc},\s]`)
	// leadingFloat matches the longest float literal at the start of a string.
	leadingFloat = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
)

// ParseAmount converts a user-entered amount such as "₹1,23,456.75" into
// whole currency units, rounding down. Trailing text after the number is
// ignored. The result must be a non-negative value that fits in an int64.
func ParseAmount(raw string) (int64, error) {
	cleaned := amountNoise.ReplaceAllString(raw, "")
	literal := leadingFloat.FindString(cleaned)
	if literal == "" {
		return 0, fmt.Errorf("Invalid due amount %q", raw)
	}
	d, err := decimal.NewFromString(strings.TrimPrefix(literal, "+"))
	if err != nil {
		return 0, fmt.Errorf("Invalid due amount %q", raw)
	}
	whole := d.Floor()
	if whole.IsNegative() {
		return 0, fmt.Errorf("Due amount must not be negative %q", raw)
	}
	n := whole.BigInt()
	if !n.IsInt64() {
		return 0, fmt.Errorf("Invalid due amount %q", raw)
	}
	return n.Int64(), nil
}
