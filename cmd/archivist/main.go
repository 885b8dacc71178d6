// archivist publishes the Firestore-backed site data as a merged JSON archive
// and clears the published collections.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/artspace/archivist/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	outputDir string
	dryRun    bool
	noPurge   bool
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitPurgeFailed = 3
)

// exitError carries a non-default exit code through cobra. logged is set once
// the failure has been logged.
type exitError struct {
	code   int
	err    error
	logged bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || !ee.logged {
			logFailure(err)
		}
		os.Exit(exitCode(err))
	}
}

func logFailure(err error) {
	log.Error().Err(err).Msg("archivist failed")
}

// reportFailure logs err and marks it logged, keeping its exit code.
func reportFailure(err error) error {
	logFailure(err)
	return &exitError{code: exitCode(err), err: err, logged: true}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "archivist",
		Short: "Publish Firestore collections as a merged JSON archive",
		Long: `archivist reads the configured Firestore collections, merges them by
document id into the previously published archive, writes
firestore-latest.json and a dated firestore-YYYYMMDD.json snapshot, and
only then deletes the published documents from Firestore.

Documents with "deleted": true remove their id from the archive.

  # Publish with defaults (service account JSON in FIREBASE_SERVICE_ACCOUNT):
  archivist run

  # Check what would be published without writing or deleting anything:
  archivist run --dry-run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "", "archive directory (overrides config)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, merge, publish and purge",
		RunE:  runPublish,
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and merge only; write and delete nothing")
	runCmd.Flags().BoolVar(&noPurge, "no-purge", false, "publish without deleting the live documents")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stamp",
		Short: "Print today's date stamp in the configured timezone",
		Args:  cobra.NoArgs,
		RunE:  runStamp,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Summarize the latest published archive",
		Args:  cobra.NoArgs,
		RunE:  runInspect,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "archivist %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig loads the config file and applies command-line overrides. Errors
// are configuration errors and surface before anything remote is contacted.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
