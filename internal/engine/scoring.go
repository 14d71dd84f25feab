package engine

import (
	"context"
	"time"

	"revline/internal/events"
	"revline/internal/repo"
	"revline/internal/scoring"
)

// MaxBatchSize caps a caller-supplied scoring batch size.
const MaxBatchSize = 10000

type ScoringOptions struct {
	ConstituentIDs []string
	BatchSize      int
	// AsOf is a YYYY-MM-DD date; empty means today (UTC).
	AsOf    string
	ActorID string
}

// RunScoring recomputes scores for the selected constituents, or all of them.
// Item failures are reported in the result, never as the returned error.
func (e Engine) RunScoring(ctx context.Context, opts ScoringOptions) (scoring.Result, error) {
	if opts.BatchSize < 0 || opts.BatchSize > MaxBatchSize {
		return scoring.Result{}, invalid("batch_size", "must be between 1 and %d", MaxBatchSize)
	}
	var asOf time.Time
	if opts.AsOf != "" {
		t, err := time.Parse(repo.DateLayout, opts.AsOf)
		if err != nil {
			return scoring.Result{}, invalid("as_of", "must be a YYYY-MM-DD date")
		}
		asOf = t
	}
	for _, id := range opts.ConstituentIDs {
		if err := required("constituent_ids", id); err != nil {
			return scoring.Result{}, err
		}
	}
	size := opts.BatchSize
	if size == 0 {
		size = e.Config.Scoring.BatchSize
	}
	res, err := e.scorer().Run(ctx, scoring.Options{ConstituentIDs: opts.ConstituentIDs, BatchSize: size, AsOf: asOf})
	if err != nil {
		return res, err
	}
	// The audit write must survive a cancelled run.
	if err := e.events().AppendNow(context.WithoutCancel(ctx), events.ScoringRun, "scoring", res.AsOfDate, opts.ActorID, events.EventPayload{
		"total":       res.Total,
		"scored":      res.Scored,
		"errors":      len(res.Errors),
		"batches":     res.Batches,
		"interrupted": res.Interrupted,
	}); err != nil {
		e.logger().Warn("record scoring run", "err", err)
	}
	return res, nil
}
