package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/service"
)

func (a *app) parseCommand() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "parse FILE",
		Short: "Parse and validate a party sheet without importing it",
		Long: `Parse reads a CSV or XLSX party sheet and reports the rows that would be
imported and every row that would be skipped. Nothing is sent to the server
unless --remote is given, in which case the server parses the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := args[0]

			var res ledger.ParseResult
			if remote {
				c, err := a.client()
				if err != nil {
					return err
				}
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				preview, err := c.PreviewFile(cmd.Context(), filepath.Base(file), f)
				if err != nil {
					return err
				}
				res = ledger.ParseResult{Records: preview.Records, Errors: preview.Errors, Fatal: preview.Fatal}
			} else {
				var err error
				if res, err = parseFile(file); err != nil {
					return err
				}
			}

			report := newParseReport(file, res)
			if err := a.printer().print(report, func(w io.Writer) error {
				return writeParseText(w, report, res.TotalDue())
			}); err != nil {
				return err
			}
			if res.Fatal && len(res.Errors) > 0 {
				return fmt.Errorf("%s: %s", file, res.Errors[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "let the server parse the file")
	return cmd
}

func parseFile(path string) (ledger.ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ledger.ParseResult{}, err
	}
	defer f.Close()
	return service.ParseFile(filepath.Base(path), f)
}

func (a *app) importCommand() *cobra.Command {
	var serverSide bool

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import parties from a CSV or XLSX sheet",
		Long: `Import parses the sheet locally and submits the valid rows to the server
in batches. Rows rejected by the parser are reported and skipped. A party
that cannot be created never stops the import; all failures are listed at
the end and the command exits non-zero.

With --server-side the file is uploaded and the server runs the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := args[0]
			c, err := a.client()
			if err != nil {
				return err
			}

			var report importReport
			if serverSide {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				started, err := c.StartImport(cmd.Context(), filepath.Base(file), f)
				if err != nil {
					return err
				}
				a.logger.Info("import started on server", "import_id", started.ImportID, "records", started.Records)
				result, err := c.ImportResult(cmd.Context(), started.ImportID)
				if err != nil {
					return err
				}
				report = importReport{File: file, ParseErrors: result.ParseErrors, Outcome: result.Outcome}
			} else {
				res, err := parseFile(file)
				if err != nil {
					return err
				}
				if len(res.Records) == 0 {
					for _, e := range res.Errors {
						fmt.Fprintln(a.errOut, e)
					}
					return fmt.Errorf("%s: %w", file, service.ErrNoRecords)
				}

				imp := &ledger.Importer{
					Store:      c,
					BatchSize:  a.cfg.Import.BatchSize,
					BatchDelay: a.cfg.Import.BatchDelay,
					Logger:     a.logger,
				}
				outcome := imp.ImportParties(cmd.Context(), res.Records, a.progress)
				report = importReport{File: file, ParseErrors: res.Errors, Outcome: outcome}
			}
			if report.ParseErrors == nil {
				report.ParseErrors = []string{}
			}

			if err := a.printer().print(report, func(w io.Writer) error {
				return writeImportText(w, report)
			}); err != nil {
				return err
			}
			if n := len(report.Outcome.Failed); n > 0 {
				return fmt.Errorf("%w: %d of %d parties failed", ErrImportIncomplete, n, report.Outcome.Total())
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&serverSide, "server-side", false, "upload the file and let the server import it")
	flags.Int("batch-size", 0, "records submitted concurrently per batch")
	flags.Duration("batch-delay", 0, "pause between batches")
	_ = a.v.BindPFlag("import.batch_size", flags.Lookup("batch-size"))
	_ = a.v.BindPFlag("import.batch_delay", flags.Lookup("batch-delay"))
	return cmd
}

// progress reports batch progress on stderr for text output.
func (a *app) progress(p ledger.Progress) {
	if a.cfg.Output != formatText {
		return
	}
	fmt.Fprintf(a.errOut, "batch %d/%d: %d/%d processed (%d%%), %d failed\n",
		p.Batch, p.Batches, p.Processed, p.Total, p.Percent(), p.Failed)
}

func (a *app) exportCommand() *cobra.Command {
	var (
		file       string
		serverSide bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download every party and visit record as a transfer file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if serverSide {
				data, err := c.TransferExport(cmd.Context())
				if err != nil {
					return err
				}
				buf.Write(data)
			} else {
				snap, err := ledger.ExportSnapshot(cmd.Context(), c)
				if err != nil {
					return err
				}
				if err := ledger.WriteSnapshot(&buf, snap); err != nil {
					return err
				}
			}

			if file == "" || file == "-" {
				_, err := a.out.Write(buf.Bytes())
				return err
			}
			if err := os.WriteFile(file, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", file, err)
			}
			a.logger.Info("export written", "file", file, "bytes", buf.Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "write to FILE instead of stdout")
	cmd.Flags().BoolVar(&serverSide, "server-side", false, "let the server encode the file")
	return cmd
}

func (a *app) restoreCommand() *cobra.Command {
	var (
		mode       string
		serverSide bool
	)

	cmd := &cobra.Command{
		Use:   "restore FILE",
		Short: "Merge or overwrite server data from a transfer file",
		Long: `Restore reads a transfer file and reconciles it with the server's data.

  --mode merge      keep existing parties, replace those with the same id,
                    and append the file's visit records
  --mode overwrite  replace everything with the file's contents

The file is validated in full before anything is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ledger.ParseMode(mode)
			if err != nil {
				return err
			}

			var data []byte
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read transfer file: %w", err)
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			if serverSide {
				err = c.TransferImport(cmd.Context(), data, m)
			} else {
				err = ledger.ImportSnapshotJSON(cmd.Context(), c, data, m)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "Restored %s with mode %s\n", args[0], m)
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "merge or overwrite (required)")
	cmd.Flags().BoolVar(&serverSide, "server-side", false, "let the server reconcile the file")
	_ = cmd.MarkFlagRequired("mode")
	return cmd
}

func (a *app) duplicatesCommand() *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "List parties whose names look alike",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold <= 0 || threshold > 1 {
				return fmt.Errorf("threshold must be in (0, 1], got %v", threshold)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			groups, err := c.Duplicates(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			reports := newDuplicateReports(groups)
			return a.printer().print(reports, func(w io.Writer) error {
				return writeDuplicatesText(w, reports)
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", ledger.DefaultSimilarity, "name similarity in (0, 1]")
	return cmd
}

func (a *app) historyCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent server-side imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			runs, err := c.ListImports(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []ledger.ImportRun{}
			}
			return a.printer().print(runs, func(w io.Writer) error {
				return writeImportsText(w, runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}
