// Package queue is the durable at-least-once SyncJob queue, backed by
// the store's jobs collection. Jobs dedup on (kind, consent, account)
// while non-terminal, lease via conditional writes with no global
// lock, and return to PENDING when a lease lapses without burning an
// attempt. Ordering is best-effort priority-then-FIFO; duplicates can
// surface after a lease expiry, so downstream writes stay idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/store"
)

// Defaults.
const (
	DefaultMaxAttempts = 5
	// Terminal rows are retained briefly for inspection, then swept.
	doneRetention = 24 * time.Hour
	deadRetention = 7 * 24 * time.Hour
	// enqueueReplays bounds dedup-upsert races.
	enqueueReplays = 3
)

// Backoff is the retry delay schedule applied on nack: exponential
// from Base, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff retries quickly at first and settles at five minutes.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Max: 5 * time.Minute}

// Delay returns the visibility delay after |attempts| failures.
func (b Backoff) Delay(attempts int) time.Duration {
	var d = b.Base << uint(attempts-1)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d
}

// Leased pairs a job with the store version its lease holds, so acks
// and nacks stay conditional.
type Leased struct {
	Job     model.SyncJob
	version int64
}

// Queue is the durable job queue. Safe for concurrent use across
// goroutines and across processes sharing the store.
type Queue struct {
	store   *store.Store
	clock   clock.Clock
	backoff Backoff
}

// New builds a Queue.
func New(st *store.Store, clk clock.Clock, backoff Backoff) *Queue {
	if backoff == (Backoff{}) {
		backoff = DefaultBackoff
	}
	return &Queue{store: st, clock: clk, backoff: backoff}
}

func jobMeta(j *model.SyncJob) store.Meta {
	var m = store.Meta{
		Status:        string(j.Status),
		OrgKey:        j.RunID,
		Priority:      j.Priority,
		NextVisibleAt: j.NextVisibleAt,
	}
	switch j.Status {
	case model.JobDone:
		var exp = j.UpdatedAt.Add(doneRetention)
		m.ExpiresAt = &exp
	case model.JobDead:
		var exp = j.UpdatedAt.Add(deadRetention)
		m.ExpiresAt = &exp
	}
	return m
}

// Enqueue inserts |job|, or — when a non-terminal job already exists
// for the same (kind, consent, account) — raises that job's priority
// to the max of the two and refreshes its updatedAt. Returns the
// stored job and whether a new row was created.
func (q *Queue) Enqueue(ctx context.Context, job model.SyncJob) (model.SyncJob, bool, error) {
	if job.JobID == "" {
		job.JobID = clock.NewID()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	var now = q.clock.Now()
	job.Status = model.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.NextVisibleAt = now

	var key = job.DedupKey()

	for i := 0; i < enqueueReplays; i++ {
		var existing model.SyncJob
		var version, err = q.store.Get(ctx, store.CollectionJobs, job.OrganisationID, key, &existing)

		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, err = q.store.Upsert(ctx, store.CollectionJobs, job.OrganisationID, key, &job, jobMeta(&job), store.VersionAbsent); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue // Raced another enqueue.
				}
				return model.SyncJob{}, false, err
			}
			return job, true, nil

		case err != nil:
			return model.SyncJob{}, false, err

		case existing.Status.Terminal():
			// The prior job finished; replace it with the fresh one.
			if _, err = q.store.Upsert(ctx, store.CollectionJobs, job.OrganisationID, key, &job, jobMeta(&job), version); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return model.SyncJob{}, false, err
			}
			return job, true, nil

		default:
			// Dedup: keep the existing job, raising its priority.
			if job.Priority > existing.Priority {
				existing.Priority = job.Priority
			}
			// The existing job keeps its run assignment; adopting the
			// new run would skew that run's dispatch accounting.
			existing.UpdatedAt = now
			if _, err = q.store.Upsert(ctx, store.CollectionJobs, existing.OrganisationID, key, &existing, jobMeta(&existing), version); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return model.SyncJob{}, false, err
			}
			return existing, false, nil
		}
	}
	return model.SyncJob{}, false, fmt.Errorf("enqueuing %s: %w", key, store.ErrConflict)
}

// Lease claims up to |n| visible PENDING jobs for |node|, highest
// priority then oldest first. Jobs claimed by a racing node in the
// same instant are skipped without blocking.
func (q *Queue) Lease(ctx context.Context, n int, node string, duration time.Duration) ([]Leased, error) {
	var now = q.clock.Now()
	var docs, _, err = q.store.RunQuery(ctx, store.Query{
		Collection:    store.CollectionJobs,
		Status:        string(model.JobPending),
		VisibleBefore: now,
		Order:         store.OrderByPriority,
		Limit:         n * 2, // Headroom for candidates lost to races.
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}

	var out []Leased
	for i := range docs {
		if len(out) == n {
			break
		}
		var job model.SyncJob
		if err = docs[i].Decode(&job); err != nil {
			return nil, err
		}

		job.Status = model.JobLeased
		job.Lease = &model.Lease{Node: node, Until: now.Add(duration)}
		job.UpdatedAt = now
		// The lease deadline doubles as the recovery visibility mark.
		job.NextVisibleAt = job.Lease.Until

		version, err := q.store.Upsert(ctx, store.CollectionJobs, docs[i].Partition, docs[i].Key, &job, jobMeta(&job), docs[i].Version)
		if errors.Is(err, store.ErrConflict) {
			continue // Another node won this candidate.
		} else if err != nil {
			return nil, err
		}
		out = append(out, Leased{Job: job, version: version})
	}
	return out, nil
}

// Ack transitions a leased job to DONE. DONE is terminal: the row is
// never re-leased and is swept after its retention.
func (q *Queue) Ack(ctx context.Context, leased Leased) error {
	var job = leased.Job
	job.Status = model.JobDone
	job.Lease = nil
	job.UpdatedAt = q.clock.Now()

	var _, err = q.store.Upsert(ctx, store.CollectionJobs, job.OrganisationID, job.DedupKey(), &job, jobMeta(&job), leased.version)
	if errors.Is(err, store.ErrConflict) {
		// The lease lapsed and another worker owns the job now; its
		// outcome supersedes ours.
		log.WithField("jobId", job.JobID).Warn("ack lost lease; job re-owned")
		return nil
	}
	return err
}

// Nack records a failure. Retryable failures with attempts remaining
// return the job to PENDING behind an exponential backoff; everything
// else is DEAD with the reason recorded. Reports whether the job
// terminated: a requeued job will settle again later and must not be
// counted twice.
func (q *Queue) Nack(ctx context.Context, leased Leased, reason string, retryable bool) (bool, error) {
	var job = leased.Job
	var now = q.clock.Now()

	job.Attempts++
	job.Lease = nil
	job.UpdatedAt = now
	job.FailureReason = reason

	var dead bool
	if retryable && job.Attempts < job.MaxAttempts {
		job.Status = model.JobPending
		job.NextVisibleAt = now.Add(q.backoff.Delay(job.Attempts))
	} else {
		dead = true
		job.Status = model.JobDead
		job.NextVisibleAt = now
		log.WithFields(log.Fields{
			"jobId":  job.JobID,
			"kind":   job.Kind,
			"reason": reason,
		}).Warn("job dead-lettered")
	}

	var _, err = q.store.Upsert(ctx, store.CollectionJobs, job.OrganisationID, job.DedupKey(), &job, jobMeta(&job), leased.version)
	if errors.Is(err, store.ErrConflict) {
		log.WithField("jobId", job.JobID).Warn("nack lost lease; job re-owned")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return dead, nil
}

// RecoverExpired returns every LEASED job whose lease lapsed to
// PENDING, attempts unchanged. Returns how many were recovered.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	var now = q.clock.Now()
	var docs, _, err = q.store.RunQuery(ctx, store.Query{
		Collection:    store.CollectionJobs,
		Status:        string(model.JobLeased),
		VisibleBefore: now,
		Limit:         500,
	})
	if err != nil {
		return 0, fmt.Errorf("listing expired leases: %w", err)
	}

	var recovered int
	for i := range docs {
		var job model.SyncJob
		if err = docs[i].Decode(&job); err != nil {
			return recovered, err
		}
		if job.Lease != nil && job.Lease.Until.After(now) {
			continue
		}

		job.Status = model.JobPending
		job.Lease = nil
		job.NextVisibleAt = now
		job.UpdatedAt = now

		_, err = q.store.Upsert(ctx, store.CollectionJobs, docs[i].Partition, docs[i].Key, &job, jobMeta(&job), docs[i].Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		} else if err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		log.WithField("recovered", recovered).Info("recovered expired job leases")
	}
	return recovered, nil
}

// RunRecoveryLoop periodically recovers expired leases until |ctx| is
// cancelled.
func (q *Queue) RunRecoveryLoop(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.clock.After(interval):
		}
		if _, err := q.RecoverExpired(ctx); err != nil {
			log.WithField("err", err).Warn("lease recovery failed")
		}
	}
}

// Depth returns the number of PENDING jobs; the scheduler's
// back-pressure signal.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.Count(ctx, store.CollectionJobs, string(model.JobPending))
}
