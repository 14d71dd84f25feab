package scoring

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"revline/internal/domain"
	"revline/internal/telemetry"
)

const (
	DefaultBatchSize    = 100
	DefaultParallelism  = 4
	DefaultBatchTimeout = 10 * time.Second
)

// Store is the persistence the runner needs.
type Store interface {
	ListConstituentIDs(ctx context.Context) ([]string, error)
	ConstituentsByID(ctx context.Context, ids []string) (map[string]domain.Constituent, error)
	LatestInteractions(ctx context.Context, ids []string) (map[string]time.Time, error)
	HasActiveOpportunity(ctx context.Context, ids []string) (map[string]bool, error)
	UpsertScores(ctx context.Context, scores []domain.Score) error
}

type Options struct {
	// ConstituentIDs limits the run; empty means every constituent.
	ConstituentIDs []string
	BatchSize      int
	// AsOf defaults to the current UTC day.
	AsOf time.Time
}

type ItemError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type Result struct {
	AsOfDate    string      `json:"as_of_date"`
	Total       int         `json:"total"`
	Scored      int         `json:"scored"`
	Errors      []ItemError `json:"errors"`
	Batches     int         `json:"batches"`
	DurationMS  int64       `json:"duration_ms"`
	Interrupted bool        `json:"interrupted"`
}

type Runner struct {
	Store        Store
	Parallelism  int
	BatchTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *telemetry.Metrics
}

type batchResult struct {
	scored int
	errs   []ItemError
	// failure is the error that failed the whole batch, if any.
	failure error
	// cancelled is set when the run's context ended before the batch committed.
	cancelled bool
}

// Run scores the selected constituents in independently committed batches.
// Per-constituent failures are collected; only failing to enumerate the
// population returns an error. Cancelling ctx stops scheduling new batches.
func (r Runner) Run(ctx context.Context, opts Options) (Result, error) {
	now := r.now()
	start := now
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = now
	}
	asOf = truncateDay(asOf)
	res := Result{AsOfDate: asOf.Format("2006-01-02"), Errors: []ItemError{}}

	ids := dedupe(opts.ConstituentIDs)
	if len(ids) == 0 {
		all, err := r.Store.ListConstituentIDs(ctx)
		if err != nil {
			return res, err
		}
		ids = all
	}
	res.Total = len(ids)

	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := chunk(ids, size)
	results := make([]batchResult, len(batches))

	par := r.Parallelism
	if par <= 0 {
		par = DefaultParallelism
	}
	var g errgroup.Group
	g.SetLimit(par)
	scheduled := 0
	for i, batch := range batches {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		scheduled++
		g.Go(func() error {
			results[i] = r.runBatch(ctx, i, batch, asOf)
			return nil
		})
	}
	_ = g.Wait()

	for _, br := range results[:scheduled] {
		res.Scored += br.scored
		res.Errors = append(res.Errors, br.errs...)
		if br.cancelled {
			res.Interrupted = true
		}
	}
	res.Batches = scheduled
	res.DurationMS = r.now().Sub(start).Milliseconds()
	r.logger().Info("scoring run finished",
		"as_of", res.AsOfDate, "total", res.Total, "scored", res.Scored,
		"errors", len(res.Errors), "batches", res.Batches, "interrupted", res.Interrupted)
	return res, nil
}

func (r Runner) runBatch(ctx context.Context, index int, ids []string, asOf time.Time) batchResult {
	timeout := r.BatchTimeout
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := r.tracer().Start(ctx, "scoring.batch", trace.WithAttributes(
		attribute.Int("batch.index", index), attribute.Int("batch.size", len(ids))))
	defer span.End()
	began := time.Now()

	br := r.scoreBatch(ctx, ids, asOf)
	br.cancelled = br.failure != nil && parent.Err() != nil
	if len(br.errs) > 0 {
		span.SetAttributes(attribute.Int("batch.errors", len(br.errs)))
	}
	if br.scored == 0 && len(br.errs) == len(ids) {
		span.SetStatus(codes.Error, "batch failed")
	}
	r.Metrics.ScoringBatch(ctx, br.scored, len(br.errs), time.Since(began))
	return br
}

func (r Runner) scoreBatch(ctx context.Context, ids []string, asOf time.Time) batchResult {
	failAll := func(err error) batchResult {
		br := batchResult{errs: make([]ItemError, 0, len(ids)), failure: err}
		for _, id := range ids {
			br.errs = append(br.errs, ItemError{ID: id, Message: err.Error()})
		}
		r.logger().Warn("scoring batch failed", "size", len(ids), "error", err)
		return br
	}
	constituents, err := r.Store.ConstituentsByID(ctx, ids)
	if err != nil {
		return failAll(err)
	}
	touches, err := r.Store.LatestInteractions(ctx, ids)
	if err != nil {
		return failAll(err)
	}
	active, err := r.Store.HasActiveOpportunity(ctx, ids)
	if err != nil {
		return failAll(err)
	}

	var br batchResult
	now := r.now()
	scores := make([]domain.Score, 0, len(ids))
	for _, id := range ids {
		c, ok := constituents[id]
		if !ok {
			br.errs = append(br.errs, ItemError{ID: id, Message: "constituent not found"})
			continue
		}
		in := Input{Constituent: c, HasActive: active[id]}
		if t, ok := touches[id]; ok {
			in.LastInteraction = &t
		}
		s, err := Compute(in, asOf, now)
		if err != nil {
			br.errs = append(br.errs, ItemError{ID: id, Message: err.Error()})
			continue
		}
		scores = append(scores, s)
	}
	if err := r.Store.UpsertScores(ctx, scores); err != nil {
		ok := make([]string, len(scores))
		for i, s := range scores {
			ok[i] = s.ConstituentID
		}
		failed := failAll(err)
		// keep item errors already found, then every score that never committed
		br.errs = append(br.errs, filterErrors(failed.errs, ok)...)
		br.failure = err
		return br
	}
	br.scored = len(scores)
	return br
}

func filterErrors(errs []ItemError, keep []string) []ItemError {
	want := make(map[string]bool, len(keep))
	for _, id := range keep {
		want[id] = true
	}
	out := errs[:0]
	for _, e := range errs {
		if want[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return telemetry.Tracer()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
