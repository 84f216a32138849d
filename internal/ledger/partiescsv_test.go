package ledger

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestWritePartiesCSV(t *testing.T) {
	var buf bytes.Buffer
	parties := []PartyEntry{
		{ID: "P1", Party: PartyRecord{ID: "P1", Name: "Acme, Inc", Address: `12 "Main" Rd`, Phone: "555", TaxID: "T1", DueAmount: 1500}},
		{ID: "P2", Party: PartyRecord{ID: "P2", Name: "Beta", TaxID: "T2"}},
	}
	if err := WritePartiesCSV(&buf, parties); err != nil {
		t.Fatalf("WritePartiesCSV: %v", err)
	}

	want := "Party ID,Name,Address,Phone,PAN,Due Amount\n" +
		"P1,\"Acme, Inc\",\"12 \"\"Main\"\" Rd\",555,T1,1500\n" +
		"P2,Beta,,,T2,0\n"
	if got := buf.String(); got != want {
		t.Errorf("WritePartiesCSV =\n%s\nwant\n%s", got, want)
	}
}

func TestWriteVisitsCSV(t *testing.T) {
	s := sampleSnapshot()
	var buf bytes.Buffer
	if err := WriteVisitsCSV(&buf, s); err != nil {
		t.Fatalf("WriteVisitsCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasSuffix(lines[2], ",Yes,12.9716,77.5946") {
		t.Errorf("location columns missing: %s", lines[2])
	}
	if !strings.HasPrefix(lines[1], "P1,Acme,500,first,") {
		t.Errorf("first visit row = %s", lines[1])
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		units int64
		want  string
	}{
		{0, "₹0"},
		{999, "₹999"},
		{1250, "₹1,250"},
		{123456, "₹1,23,456"},
		{12345678, "₹1,23,45,678"},
		{-1250, "-₹1,250"},
		{math.MaxInt64, "₹92,23,37,20,36,85,47,75,807"},
		{math.MinInt64, "-₹92,23,37,20,36,85,47,75,808"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.units); got != tt.want {
			t.Errorf("FormatAmount(%d) = %q, want %q", tt.units, got, tt.want)
		}
	}
}

func TestFormatTotal(t *testing.T) {
	tests := []struct {
		total string
		want  string
	}{
		{"0", "₹0"},
		{"123456", "₹1,23,456"},
		{"18000000000000000000", "₹1,80,00,00,00,00,00,00,00,000"},
		{"1250.75", "₹1,250"},
	}
	for _, tt := range tests {
		if got := FormatTotal(decimal.RequireFromString(tt.total)); got != tt.want {
			t.Errorf("FormatTotal(%s) = %q, want %q", tt.total, got, tt.want)
		}
	}
}

func TestParseWorkbook(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Party Name", "Address", "Phone", "PAN", "Due Amount"},
		{"Acme", "1 St", "555", "ABCDE1234F", "2,500"},
		{},
		{"", "", "", "P2", "1"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}

	got, err := ParseWorkbook(buf)
	if err != nil {
		t.Fatalf("ParseWorkbook: %v", err)
	}
	if len(got.Records) != 1 || got.Records[0].DueAmount != 2500 {
		t.Errorf("Records = %+v", got.Records)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "Row 2: Party Name is required" {
		t.Errorf("Errors = %v", got.Errors)
	}
}

func TestParseWorkbook_NotAWorkbook(t *testing.T) {
	if _, err := ParseWorkbook(strings.NewReader("Party Name,PAN\n")); err == nil {
		t.Error("ParseWorkbook succeeded on CSV input")
	}
}
