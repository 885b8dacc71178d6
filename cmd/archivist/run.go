package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/artspace/archivist/internal/archive"
	"github.com/artspace/archivist/internal/collection"
	"github.com/artspace/archivist/internal/config"
	"github.com/artspace/archivist/internal/credentials"
	"github.com/artspace/archivist/internal/logging/loki"
	"github.com/artspace/archivist/internal/metrics"
	"github.com/artspace/archivist/internal/mirror"
	"github.com/artspace/archivist/internal/publish"
	"github.com/artspace/archivist/pkg/bytesize"
)

func runPublish(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("%w: %w", publish.ErrConfig, err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("%w: %w", publish.ErrConfig, err)
	}

	runID := newRunID()
	if cfg.Loki.URL != "" {
		lokiWriter := startLoki(cfg.Loki, runID)
		defer func() {
			// The failure must reach Loki before the writer stops.
			if err != nil {
				err = reportFailure(err)
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if cerr := lokiWriter.Close(flushCtx); cerr != nil {
				fmt.Fprintf(os.Stderr, "loki: %v\n", cerr)
			}
		}()
	}

	projectID, clientOpts, err := resolveProject(ctx, cfg, credentials.Resolver{})
	if err != nil {
		return fmt.Errorf("%w: %w", publish.ErrConfig, err)
	}

	log.Info().
		Str("run_id", runID).
		Str("version", Version).
		Str("project", projectID).
		Strs("collections", cfg.Collections).
		Str("output_dir", cfg.OutputDir).
		Bool("dry_run", dryRun).
		Msg("archivist starting")

	m := metrics.InitMetrics(runID, Version)

	remote, err := collection.DialFirestore(ctx, projectID, cfg.EmulatorHost, clientOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = remote.Close() }()

	if !dryRun {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			return fmt.Errorf("%w: create output dir: %w", publish.ErrPersist, err)
		}
	}
	store := archive.NewDirStore(cfg.OutputDir,
		archive.WithGzipSidecars(cfg.Compress),
		archive.WithMaxSize(cfg.MaxSize.Bytes()),
		archive.WithLoadFailureCounter(m.ArchiveLoadFailures),
	)

	opts := publish.Options{
		Collections: cfg.Collections,
		Location:    loc,
		SkipPurge:   noPurge,
		DryRun:      dryRun,
		RunID:       runID,
		Metrics:     m,
	}
	if cfg.Mirror.Bucket != "" && !dryRun {
		gcs, err := mirror.NewGCS(ctx, cfg.Mirror.Bucket, cfg.Mirror.Prefix, archive.LatestName, clientOpts...)
		if err != nil {
			return fmt.Errorf("%w: %w", publish.ErrMirror, err)
		}
		defer func() { _ = gcs.Close() }()
		opts.Mirror = gcs
	}

	job, err := publish.NewJob(store, collection.NewSyncer(remote, cfg.ChunkSize), opts)
	if err != nil {
		return err
	}

	res, runErr := job.Run(ctx)
	pushMetrics(cfg.Metrics)
	if runErr != nil {
		return runErr
	}

	printSummary(cmd.OutOrStdout(), res)

	if perr := res.PurgeErr(); perr != nil {
		return &exitError{code: exitPurgeFailed, err: perr}
	}
	return nil
}

// resolveProject returns the project id and client options for the Google
// clients. The emulator needs no credentials but still needs a project id.
func resolveProject(ctx context.Context, cfg *config.Config, resolver credentials.Resolver) (string, []option.ClientOption, error) {
	if cfg.EmulatorHost != "" {
		if cfg.ProjectID == "" {
			return "", nil, fmt.Errorf("project_id is required with the firestore emulator")
		}
		return cfg.ProjectID, nil, nil
	}

	creds, err := resolver.Resolve(ctx, cfg.Credentials)
	if err != nil {
		return "", nil, err
	}
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = creds.ProjectID
	}
	if projectID == "" {
		return "", nil, fmt.Errorf("project_id is not configured and the service account has none")
	}

	log.Debug().
		Str("client_email", creds.ClientEmail).
		Str("origin", creds.Origin).
		Msg("using service account")
	return projectID, creds.ClientOptions(), nil
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func startLoki(cfg config.LokiConfig, runID string) *loki.Writer {
	w := loki.NewWriter(loki.Config{
		URL:    cfg.URL,
		Labels: cfg.Labels,
		Gzip:   true,
	})
	w.SetLabels(map[string]string{
		"run_id":  runID,
		"version": Version,
	})
	w.Start()

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		w,
	))
	log.Info().Str("url", cfg.URL).Msg("Loki log shipping enabled")
	return w
}

func pushMetrics(cfg config.MetricsConfig) {
	if cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Push(ctx, cfg.PushgatewayURL, cfg.Job); err != nil {
		log.Warn().Err(err).Msg("metrics push failed")
	}
}

// printSummary writes the human-readable outcome of a run.
func printSummary(out io.Writer, res *publish.Result) {
	if res.DryRun {
		for _, c := range res.Collections {
			_, _ = fmt.Fprintf(out, "Dry run: %s fetched %d, archive would hold %d (+%d ~%d -%d)\n",
				c.Name, c.Fetched, c.Merge.Total, c.Merge.Added, c.Merge.Updated, c.Merge.Removed)
		}
		return
	}

	_, _ = fmt.Fprintf(out, "Wrote: %s\n", res.Write.DatedPath)
	_, _ = fmt.Fprintf(out, "Wrote: %s (%s)\n", res.Write.LatestPath, bytesize.Format(int64(res.Write.Bytes)))
	for _, p := range res.Write.Sidecars {
		_, _ = fmt.Fprintf(out, "Wrote: %s\n", p)
	}
	for _, url := range res.Mirrored {
		_, _ = fmt.Fprintf(out, "Mirrored: %s\n", url)
	}
	for _, c := range res.Collections {
		if res.PurgeErrors[c.Name] != nil {
			_, _ = fmt.Fprintf(out, "Purge failed: %s (%d deleted before the error)\n", c.Name, c.Purge.Deleted)
			continue
		}
		if !res.PurgeSkipped {
			_, _ = fmt.Fprintf(out, "Cleared collection: %s (%d documents)\n", c.Name, c.Purge.Deleted)
		}
	}
}
