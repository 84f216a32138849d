package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/partyledger/internal/ledger"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// printer writes command results in the configured format. Text output is
// produced by the text callback; json and yaml encode v directly.
type printer struct {
	w      io.Writer
	format string
}

func (p printer) print(v any, text func(w io.Writer) error) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(p.w)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// parseReport is the machine-readable form of a parse.
type parseReport struct {
	File     string                    `json:"file" yaml:"file"`
	Records  []ledger.ParsedPartyInput `json:"records" yaml:"records"`
	Errors   []string                  `json:"errors" yaml:"errors"`
	Fatal    bool                      `json:"fatal" yaml:"fatal"`
	TotalDue string                    `json:"totalDue" yaml:"totalDue"`
}

func newParseReport(file string, res ledger.ParseResult) parseReport {
	r := parseReport{
		File:     file,
		Records:  res.Records,
		Errors:   res.Errors,
		Fatal:    res.Fatal,
		TotalDue: res.TotalDue().String(),
	}
	if r.Records == nil {
		r.Records = []ledger.ParsedPartyInput{}
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return r
}

func writeParseText(w io.Writer, r parseReport, total decimal.Decimal) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tPAN\tPHONE\tDUE")
	for _, rec := range r.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Name, rec.TaxID, rec.Phone, ledger.FormatAmount(rec.DueAmount))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d valid rows, total due %s\n", len(r.Records), ledger.FormatTotal(total))
	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "%d errors:\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	return nil
}

// importReport is the machine-readable form of an import.
type importReport struct {
	File        string               `json:"file" yaml:"file"`
	ParseErrors []string             `json:"parseErrors" yaml:"parseErrors"`
	Outcome     ledger.ImportOutcome `json:"outcome" yaml:"outcome"`
}

func writeImportText(w io.Writer, r importReport) error {
	fmt.Fprintf(w, "Imported %d of %d parties from %s\n", r.Outcome.SuccessCount, r.Outcome.Total(), r.File)
	if len(r.ParseErrors) > 0 {
		fmt.Fprintf(w, "%d rows skipped by the parser\n", len(r.ParseErrors))
	}
	if len(r.Outcome.Failed) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\n%d failed:\n", len(r.Outcome.Failed))
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tKIND\tSTAGE\tREASON")
	for _, f := range r.Outcome.Failed {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Name, f.Kind, f.Stage, f.Reason)
	}
	return tw.Flush()
}

// duplicateReport flattens a group for json and yaml output.
type duplicateReport struct {
	Key     string           `json:"key" yaml:"key"`
	Exact   bool             `json:"exact" yaml:"exact"`
	Parties []duplicateParty `json:"parties" yaml:"parties"`
}

type duplicateParty struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Phone     string `json:"phone" yaml:"phone"`
	DueAmount string `json:"dueAmount" yaml:"dueAmount"`
}

func newDuplicateReports(groups []ledger.DuplicateGroup) []duplicateReport {
	out := make([]duplicateReport, 0, len(groups))
	for _, g := range groups {
		r := duplicateReport{Key: g.Key, Exact: g.Exact}
		for _, e := range g.Parties {
			r.Parties = append(r.Parties, duplicateParty{
				ID:        e.ID,
				Name:      e.Party.Name,
				Phone:     e.Party.Phone,
				DueAmount: strconv.FormatInt(e.Party.DueAmount, 10),
			})
		}
		out = append(out, r)
	}
	return out
}

func writeDuplicatesText(w io.Writer, groups []duplicateReport) error {
	if len(groups) == 0 {
		_, err := fmt.Fprintln(w, "No likely duplicates found")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "GROUP\tMATCH\tID\tNAME\tPHONE")
	for i, g := range groups {
		match := "similar"
		if g.Exact {
			match = "exact"
		}
		for _, p := range g.Parties {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, match, p.ID, p.Name, p.Phone)
		}
	}
	return tw.Flush()
}

func writeImportsText(w io.Writer, runs []ledger.ImportRun) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No imports recorded")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tFILE\tFINISHED\tSUCCEEDED\tFAILED\tSKIPPED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.FileName, r.FinishedAt.Format("2006-01-02 15:04:05"), r.Succeeded, r.Failed, r.ParseErrs)
	}
	return tw.Flush()
}
