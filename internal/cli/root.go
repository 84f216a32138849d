// Package cli implements ledgerctl, the command-line client for the party
// ledger.
//
//	ledgerctl
//	├── parse FILE               check a party sheet locally
//	├── import FILE              submit a party sheet in batches
//	├── export [-f FILE]         download the transfer file
//	├── restore FILE --mode M    merge or overwrite from a transfer file
//	├── duplicates               list parties with alike names
//	├── history                  list recent server-side imports
//	└── version
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JonMunkholm/partyledger/internal/client"
	"github.com/JonMunkholm/partyledger/internal/logging"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// ErrImportIncomplete is returned when some records could not be imported.
var ErrImportIncomplete = errors.New("import incomplete")

// app is the state shared by all commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
	logger  *slog.Logger

	out    io.Writer
	errOut io.Writer
}

// NewRootCommand builds the ledgerctl command tree writing results to out
// and diagnostics to errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Bulk import, export and restore for the party ledger",
		Long: `ledgerctl parses party sheets, imports them into a ledger server in
batches, and moves whole datasets between servers with the transfer file.

Configuration is read from ledgerctl.yaml in the user config directory or
the working directory, then LEDGER_* environment variables, then flags.

Example Usage:
  ledgerctl parse parties.csv
  ledgerctl import parties.csv --batch-size 20
  ledgerctl export -f backup.json
  ledgerctl restore backup.json --mode merge`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "path to a YAML config file")
	flags.String("server", "", "ledger server URL")
	flags.String("api-key", "", "API key for the ledger server")
	flags.StringP("output", "o", "", "output format: text, json or yaml")
	flags.BoolP("verbose", "v", false, "log debug output to stderr")

	for key, flag := range map[string]string{
		"server.url":     "server",
		"server.api_key": "api-key",
		"output":         "output",
	} {
		// Only fails for a nil flag.
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		a.parseCommand(),
		a.importCommand(),
		a.exportCommand(),
		a.restoreCommand(),
		a.duplicatesCommand(),
		a.historyCommand(),
		versionCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.logger = logging.SetupWriter(a.errOut, cfg.Log.Level, cfg.Log.Format)
	a.logger.Debug("configuration loaded", "config_file", a.v.ConfigFileUsed(), "server", cfg.Server.URL)
	return nil
}

func (a *app) client() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(a.cfg.Server.Timeout)}
	if a.cfg.Server.APIKey != "" {
		opts = append(opts, client.WithAPIKey(a.cfg.Server.APIKey))
	}
	return client.New(a.cfg.Server.URL, opts...)
}

func (a *app) printer() printer {
	return printer{w: a.out, format: a.cfg.Output}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledgerctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", Version)
			return err
		},
	}
}
