// Package report aggregates per-run outcomes into the persisted
// RunReport and mirrors them to Prometheus. Counters are updated
// incrementally as jobs terminate; latency percentiles are computed
// once, when the run is finalised.
package report

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/store"
)

// Outcome classifies how one job terminated.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// Run document statuses.
const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
)

const (
	// runKey is the fixed document key of a run's report; the run id
	// is the partition key.
	runKey = "report"
	// maxLatencySamples bounds the reservoir kept per run document.
	maxLatencySamples = 2048
)

// Aggregator owns run-report state.
type Aggregator struct {
	store *store.Store
	clock clock.Clock
}

// New builds an Aggregator.
func New(st *store.Store, clk clock.Clock) *Aggregator {
	return &Aggregator{store: st, clock: clk}
}

func runMeta(status string) store.Meta {
	return store.Meta{Status: status}
}

// StartRun creates the report document for a freshly dispatched run.
func (a *Aggregator) StartRun(ctx context.Context, runID string, startedAt time.Time, dispatched int64) (model.RunReport, error) {
	var r = model.RunReport{
		RunID:      runID,
		StartedAt:  startedAt,
		Dispatched: dispatched,
	}
	var version, err = a.store.Upsert(ctx, store.CollectionRuns, runID, runKey, &r, runMeta(RunRunning), store.VersionAbsent)
	if err != nil {
		return model.RunReport{}, fmt.Errorf("creating run %s: %w", runID, err)
	}
	r.Version = version
	return r, nil
}

// Get reads one run report.
func (a *Aggregator) Get(ctx context.Context, runID string) (model.RunReport, error) {
	var r model.RunReport
	var version, err = a.store.Get(ctx, store.CollectionRuns, runID, runKey, &r)
	if err != nil {
		return model.RunReport{}, err
	}
	r.Version = version
	return r, nil
}

// RecordOutcome folds one terminated job into its run's report and the
// Prometheus mirrors. A job with no run (incremental dispatch) still
// counts toward the process metrics.
func (a *Aggregator) RecordOutcome(ctx context.Context, runID, organisationID string, outcome Outcome, errorKind string, latency time.Duration) error {
	jobsProcessed.WithLabelValues(string(outcome), organisationID).Inc()
	jobLatency.WithLabelValues(organisationID).Observe(latency.Seconds())
	if outcome == OutcomeError && errorKind != "" {
		jobErrors.WithLabelValues(errorKind, organisationID).Inc()
	}

	if runID == "" {
		return nil
	}

	return a.mutate(ctx, runID, func(r *model.RunReport) {
		r.TotalProcessed++
		switch outcome {
		case OutcomeSuccess:
			r.TotalSuccess++
		case OutcomeSkipped:
			r.TotalSkipped++
		default:
			r.TotalErrors++
			if errorKind != "" {
				if r.ErrorsByKind == nil {
					r.ErrorsByKind = map[string]int64{}
				}
				r.ErrorsByKind[errorKind]++
			}
		}
		if r.ProcessingByOrganisation == nil {
			r.ProcessingByOrganisation = map[string]int64{}
		}
		r.ProcessingByOrganisation[organisationID]++
		observeLatency(r, latency.Milliseconds())
	})
}

// observeLatency keeps a uniform reservoir of up to maxLatencySamples
// per-job latencies (algorithm R keyed on the processed count).
func observeLatency(r *model.RunReport, millis int64) {
	if len(r.LatencySamplesMillis) < maxLatencySamples {
		r.LatencySamplesMillis = append(r.LatencySamplesMillis, millis)
		return
	}
	if j := rand.Intn(int(r.TotalProcessed)); j < maxLatencySamples {
		r.LatencySamplesMillis[j] = millis
	}
}

// Drained reports whether every dispatched job of |r| has terminated.
func Drained(r *model.RunReport) bool {
	return r.TotalProcessed >= r.Dispatched
}

// Finalize computes the run's latency percentiles, stamps completion,
// and drops the raw samples from the document.
func (a *Aggregator) Finalize(ctx context.Context, runID string) (model.RunReport, error) {
	var now = a.clock.Now()
	var final model.RunReport

	var err = a.mutate(ctx, runID, func(r *model.RunReport) {
		r.LatencyP50Millis = percentile(r.LatencySamplesMillis, 50)
		r.LatencyP95Millis = percentile(r.LatencySamplesMillis, 95)
		r.LatencyP99Millis = percentile(r.LatencySamplesMillis, 99)
		r.LatencySamplesMillis = nil
		r.CompletedAt = &now
		final = *r
	})
	if err != nil {
		return model.RunReport{}, err
	}

	log.WithFields(log.Fields{
		"runId":     runID,
		"processed": final.TotalProcessed,
		"success":   final.TotalSuccess,
		"errors":    final.TotalErrors,
		"skipped":   final.TotalSkipped,
		"p95Millis": final.LatencyP95Millis,
	}).Info("run finalised")
	return final, nil
}

// mutate refetches-and-replays |fn| over the run document until the
// conditional write lands. A conflict means another writer advanced
// the document, so replaying always makes progress; dropping an
// outcome would undercount the run and stall its drain forever.
func (a *Aggregator) mutate(ctx context.Context, runID string, fn func(*model.RunReport)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var r model.RunReport
		var version, err = a.store.Get(ctx, store.CollectionRuns, runID, runKey, &r)
		if err != nil {
			return fmt.Errorf("reading run %s: %w", runID, err)
		}

		fn(&r)

		var status = RunRunning
		if r.CompletedAt != nil {
			status = RunCompleted
		}
		_, err = a.store.Upsert(ctx, store.CollectionRuns, runID, runKey, &r, runMeta(status), version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
}

// percentile returns the p-th percentile of |samples| in milliseconds,
// by nearest-rank over a sorted copy. Zero when no samples exist.
func percentile(samples []int64, p int) int64 {
	if len(samples) == 0 {
		return 0
	}
	var sorted = append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var rank = (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
