// Package publish runs one archive publication: load the prior archive, fetch the
// live collections, merge, persist, optionally mirror, and only then purge the
// live collections.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/artspace/archivist/internal/archive"
	"github.com/artspace/archivist/internal/collection"
	"github.com/artspace/archivist/internal/document"
	"github.com/artspace/archivist/internal/logging/audit"
	"github.com/artspace/archivist/internal/merge"
	"github.com/artspace/archivist/internal/metrics"
	"github.com/artspace/archivist/internal/timestamp"
)

// Stage errors. Run wraps the underlying cause with one of these.
var (
	ErrConfig  = errors.New("invalid configuration")
	ErrFetch   = errors.New("fetch failed")
	ErrPersist = errors.New("persist failed")
	ErrMirror  = errors.New("mirror failed")
	ErrPurge   = errors.New("purge failed")
)

// Uploader copies a published file somewhere else.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) error
	URL(name string) string
}

// Options configures a Job.
type Options struct {
	Collections []string
	Location    *time.Location // zone of the date stamp

	SkipPurge bool // publish without clearing the live collections
	DryRun    bool // fetch and merge only

	RunID   string
	Mirror  Uploader            // optional
	Metrics *metrics.RunMetrics // optional
	Now     func() time.Time    // defaults to time.Now
}

// CollectionResult reports one collection of a run.
type CollectionResult struct {
	Name    string
	Fetched int
	Merge   merge.Stats
	Purge   collection.PurgeResult

	// Unarchived counts purged documents that were created after the fetch
	// and so never reached the archive.
	Unarchived int
}

// Result reports a run.
type Result struct {
	RunID        string
	PublishedAt  string
	Stamp        string
	DryRun       bool
	PurgeSkipped bool

	Collections []CollectionResult
	Write       archive.WriteResult
	Mirrored    []string // URLs of the uploaded copies

	// PurgeErrors holds the collections whose purge did not complete. The
	// archive was published regardless.
	PurgeErrors map[string]error
	Duration    time.Duration
}

// PurgeErr joins the purge errors in collection order, or returns nil.
func (r *Result) PurgeErr() error {
	if len(r.PurgeErrors) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.PurgeErrors))
	for name := range r.PurgeErrors {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%w: %s: %w", ErrPurge, name, r.PurgeErrors[name]))
	}
	return errors.Join(errs...)
}

// Job publishes the archive for a fixed set of collections.
type Job struct {
	store  *archive.Store
	syncer *collection.Syncer
	opts   Options
	logger zerolog.Logger
	audit  *audit.Logger
}

// NewJob creates a Job. It fails with ErrConfig when opts name no collections
// or no location.
func NewJob(store *archive.Store, syncer *collection.Syncer, opts Options) (*Job, error) {
	if len(opts.Collections) == 0 {
		return nil, fmt.Errorf("%w: no collections", ErrConfig)
	}
	seen := make(map[string]bool, len(opts.Collections))
	for _, name := range opts.Collections {
		if name == "" || seen[name] {
			return nil, fmt.Errorf("%w: invalid or duplicate collection %q", ErrConfig, name)
		}
		seen[name] = true
	}
	if opts.Location == nil {
		return nil, fmt.Errorf("%w: no timezone", ErrConfig)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := log.With().Str("run_id", opts.RunID).Logger()
	return &Job{
		store:  store,
		syncer: syncer,
		opts:   opts,
		logger: logger,
		audit:  audit.NewLogger(logger),
	}, nil
}

// Run executes the job. A nil error means the archive was published; purge
// failures after that point are reported in Result.PurgeErrors instead.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	start := j.opts.Now()
	loc := j.opts.Location

	res := &Result{
		RunID:       j.opts.RunID,
		PublishedAt: timestamp.Format(start),
		Stamp:       archive.DateStamp(start, loc),
		DryRun:      j.opts.DryRun,
	}

	prior := j.store.LoadLatest()

	fetched, err := j.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	merged := &archive.Archive{
		Meta: archive.Meta{
			Timezone:    loc.String(),
			PublishedAt: res.PublishedAt,
			Stamp:       res.Stamp,
			Collections: append([]string(nil), j.opts.Collections...),
			Mode:        merge.Mode,
		},
		Data: make(map[string][]document.Document, len(j.opts.Collections)),
	}
	for i, name := range j.opts.Collections {
		docs, stats := merge.ByID(prior.Collection(name), fetched[i])
		merged.Data[name] = docs
		res.Collections = append(res.Collections, CollectionResult{
			Name:    name,
			Fetched: len(fetched[i]),
			Merge:   stats,
		})
		j.logger.Info().
			Str("collection", name).
			Int("fetched", len(fetched[i])).
			Int("added", stats.Added).
			Int("updated", stats.Updated).
			Int("removed", stats.Removed).
			Int("skipped", stats.Skipped).
			Int("total", stats.Total).
			Msg("collection merged")
	}
	if prior != nil {
		for name, docs := range prior.Data {
			if _, ok := merged.Data[name]; !ok {
				merged.Data[name] = docs
				j.logger.Debug().Str("collection", name).Msg("carrying forward unconfigured collection")
			}
		}
	}
	j.recordMerge(res)

	if j.opts.DryRun {
		j.logger.Info().Str("stamp", res.Stamp).Msg("dry run, nothing written or purged")
		res.Duration = j.opts.Now().Sub(start)
		return res, nil
	}

	wr, err := j.store.WriteLatestAndDated(merged, res.Stamp)
	if err != nil {
		j.audit.LogPublish(j.store.Path(archive.LatestName), res.Stamp, 0, audit.ResultFailed, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	res.Write = wr
	for _, f := range wr.Files {
		j.audit.LogPublish(j.store.Path(f.Name), res.Stamp, len(f.Data), audit.ResultOK, "")
	}
	j.logger.Info().
		Str("latest", wr.LatestPath).
		Str("dated", wr.DatedPath).
		Int("bytes", wr.Bytes).
		Msg("archive written")

	if j.opts.Mirror != nil {
		for _, f := range wr.Files {
			url := j.opts.Mirror.URL(f.Name)
			if err := j.opts.Mirror.Upload(ctx, f.Name, f.Data); err != nil {
				j.audit.LogMirror(url, audit.ResultFailed, err.Error())
				return nil, fmt.Errorf("%w: %w", ErrMirror, err)
			}
			j.audit.LogMirror(url, audit.ResultOK, "")
			res.Mirrored = append(res.Mirrored, url)
		}
		j.logger.Info().Strs("files", res.Mirrored).Msg("archive mirrored")
	}

	if j.opts.SkipPurge {
		res.PurgeSkipped = true
		j.logger.Info().Msg("purge skipped")
		for _, name := range j.opts.Collections {
			j.audit.LogPurge(name, 0, 0, audit.ResultSkipped, "")
		}
	} else {
		j.purge(ctx, res)
	}

	res.Duration = j.opts.Now().Sub(start)
	j.recordSuccess(res, start)
	return res, nil
}

// fetch reads every configured collection concurrently. Results are indexed like
// Options.Collections.
func (j *Job) fetch(ctx context.Context) ([][]document.Document, error) {
	out := make([][]document.Document, len(j.opts.Collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range j.opts.Collections {
		g.Go(func() error {
			docs, err := j.syncer.FetchAll(gctx, name)
			if err != nil {
				return err
			}
			out[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// purge clears every collection concurrently. A failing collection does not
// stop the others.
func (j *Job) purge(ctx context.Context, res *Result) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for i, name := range j.opts.Collections {
		g.Go(func() error {
			pr, err := j.syncer.PurgeAll(ctx, name)

			mu.Lock()
			defer mu.Unlock()
			res.Collections[i].Purge = pr
			if extra := pr.Deleted - res.Collections[i].Fetched; extra > 0 {
				res.Collections[i].Unarchived = extra
				j.logger.Warn().
					Str("collection", name).
					Int("fetched", res.Collections[i].Fetched).
					Int("deleted", pr.Deleted).
					Msg("purge deleted documents created after the fetch; they are not in the archive")
			}
			if err != nil {
				if res.PurgeErrors == nil {
					res.PurgeErrors = make(map[string]error)
				}
				res.PurgeErrors[name] = err
				j.audit.LogPurge(name, pr.Deleted, pr.Rounds, audit.ResultFailed, err.Error())
				j.logger.Error().Err(err).
					Str("collection", name).
					Int("deleted", pr.Deleted).
					Msg("purge incomplete, remaining documents stay in the live collection")
				return nil
			}
			j.audit.LogPurge(name, pr.Deleted, pr.Rounds, audit.ResultOK, "")
			return nil
		})
	}
	_ = g.Wait()
}

func (j *Job) recordMerge(res *Result) {
	m := j.opts.Metrics
	if m == nil {
		return
	}
	for _, c := range res.Collections {
		m.DocumentsFetched.WithLabelValues(c.Name).Set(float64(c.Fetched))
		m.DocumentsMerged.WithLabelValues(c.Name).Set(float64(c.Merge.Total))
		m.DocumentsRemoved.WithLabelValues(c.Name).Set(float64(c.Merge.Removed))
	}
}

func (j *Job) recordSuccess(res *Result, start time.Time) {
	m := j.opts.Metrics
	if m == nil {
		return
	}
	for _, c := range res.Collections {
		m.DocumentsPurged.WithLabelValues(c.Name).Add(float64(c.Purge.Deleted))
		if res.PurgeErrors[c.Name] != nil {
			m.PurgeFailures.WithLabelValues(c.Name).Inc()
		}
	}
	m.ArchiveBytes.Set(float64(res.Write.Bytes))
	m.RunDuration.Set(res.Duration.Seconds())
	m.LastSuccess.Set(float64(start.Unix()))
}
