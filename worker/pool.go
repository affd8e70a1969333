// Package worker executes queued sync jobs against transmitter
// institutions. A bounded pool of goroutines leases batches from the
// queue, dispatches by job kind, and settles each job back to the
// queue: ack on success or skip, nack with backoff on retryable
// failure, dead-letter otherwise. Per-organisation inflight caps keep
// one slow holder from saturating the pool.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/consent"
	"github.com/openfinancebr/receptor/events"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/ofb"
	"github.com/openfinancebr/receptor/queue"
	"github.com/openfinancebr/receptor/report"
	"github.com/openfinancebr/receptor/store"
	"github.com/openfinancebr/receptor/transmitter"
)

// Remote is the slice of the transmitter client the pool needs;
// *transmitter.Client satisfies it.
type Remote interface {
	Account(ctx context.Context, caller transmitter.Caller, accountID string) (ofb.AccountData, error)
	Balances(ctx context.Context, caller transmitter.Caller, accountID string) (ofb.BalancesData, error)
	Limits(ctx context.Context, caller transmitter.Caller, accountID string) (ofb.LimitsData, error)
	Transactions(ctx context.Context, caller transmitter.Caller, accountID string, from, to time.Time, page int) ([]ofb.TransactionData, bool, error)
}

// Config tunes the pool.
type Config struct {
	Node       string
	Workers    int
	LeaseBatch int
	// Visibility is the lease duration; a crashed worker's jobs return
	// to PENDING this long after leasing.
	Visibility   time.Duration
	PollInterval time.Duration
	// JobDeadline bounds one job's wall time, kept under Visibility so
	// a live worker never loses its lease mid-job.
	JobDeadline time.Duration
	// PerOrgInflight caps concurrent jobs against one organisation.
	PerOrgInflight int
}

// DefaultConfig suits a single mid-sized node.
var DefaultConfig = Config{
	Workers:        8,
	LeaseBatch:     16,
	Visibility:     2 * time.Minute,
	PollInterval:   2 * time.Second,
	JobDeadline:    90 * time.Second,
	PerOrgInflight: 4,
}

// Pool is the consuming side of the pipeline.
type Pool struct {
	queue     *queue.Queue
	store     *store.Store
	consents  *consent.Engine
	remote    Remote
	publisher events.Publisher
	reports   *report.Aggregator
	clock     clock.Clock
	config    Config

	mu       sync.Mutex
	orgSlots map[string]chan struct{}
}

// NewPool wires a Pool.
func NewPool(q *queue.Queue, st *store.Store, engine *consent.Engine, remote Remote, pub events.Publisher, reports *report.Aggregator, clk clock.Clock, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.LeaseBatch <= 0 {
		cfg.LeaseBatch = DefaultConfig.LeaseBatch
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultConfig.Visibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = DefaultConfig.JobDeadline
	}
	if cfg.PerOrgInflight <= 0 {
		cfg.PerOrgInflight = DefaultConfig.PerOrgInflight
	}
	return &Pool{
		queue:     q,
		store:     st,
		consents:  engine,
		remote:    remote,
		publisher: pub,
		reports:   reports,
		clock:     clk,
		config:    cfg,
		orgSlots:  map[string]chan struct{}{},
	}
}

// Run leases and executes jobs until |ctx| is cancelled. In-flight
// jobs run to completion; unstarted leased jobs are recovered by the
// queue once their visibility lapses.
func (p *Pool) Run(ctx context.Context) error {
	var g, gctx = errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error { return p.loop(gctx) })
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var leased, err = p.queue.Lease(ctx, p.config.LeaseBatch, p.config.Node, p.config.Visibility)
		if err != nil {
			log.WithField("err", err).Warn("job lease failed")
		}
		if len(leased) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(p.config.PollInterval):
			}
			continue
		}

		for i := range leased {
			p.process(ctx, leased[i])
		}
	}
}

// errSkip marks a job acked without work: the consent moved out of
// AUTHORISED, or the account no longer exists at the transmitter.
var errSkip = errors.New("sync skipped")

// process runs one leased job end to end and settles it.
func (p *Pool) process(ctx context.Context, l queue.Leased) {
	if err := p.acquire(ctx, l.Job.OrganisationID); err != nil {
		// Draining; the lease lapses and the job is recovered.
		return
	}
	defer p.release(l.Job.OrganisationID)

	// A job already underway finishes even while the pool drains.
	var jobCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.config.JobDeadline)
	defer cancel()

	var started = p.clock.Now()
	var err = p.dispatch(jobCtx, &l.Job)
	p.settle(jobCtx, l, err, started)
}

func (p *Pool) dispatch(ctx context.Context, job *model.SyncJob) error {
	switch job.Kind {
	case model.JobAccountSync:
		return p.handleAccountSync(ctx, job)
	case model.JobBalanceSync:
		return p.handleBalanceSync(ctx, job)
	case model.JobTxSync:
		return p.handleTxSync(ctx, job)
	case model.JobConsentSync:
		return p.handleConsentSync(ctx, job)
	}
	return errors.New("unknown job kind " + string(job.Kind))
}

// settle maps the job's result onto the queue and the run report.
// Only terminated jobs reach the report: a retryable nack returns the
// job to PENDING, and its eventual final attempt is the one counted.
func (p *Pool) settle(ctx context.Context, l queue.Leased, err error, started time.Time) {
	var job = l.Job
	var latency = p.clock.Now().Sub(started)

	var outcome report.Outcome
	var errorKind string
	var terminal bool
	var settleErr error

	switch {
	case err == nil:
		outcome = report.OutcomeSuccess
		terminal = true
		settleErr = p.queue.Ack(ctx, l)

	case errors.Is(err, errSkip):
		outcome = report.OutcomeSkipped
		terminal = true
		settleErr = p.queue.Ack(ctx, l)

	default:
		outcome = report.OutcomeError
		var retryable bool
		if te, ok := transmitter.AsError(err); ok {
			errorKind = string(te.Kind)
			retryable = te.Retryable
		} else if errors.Is(err, store.ErrConflict) {
			errorKind = "Conflict"
			retryable = true
		} else {
			errorKind = "Fatal"
		}
		log.WithFields(log.Fields{
			"jobId": job.JobID,
			"kind":  job.Kind,
			"err":   err,
		}).Warn("sync job failed")
		terminal, settleErr = p.queue.Nack(ctx, l, err.Error(), retryable)
	}

	if settleErr != nil {
		log.WithFields(log.Fields{"jobId": job.JobID, "err": settleErr}).Error("settling job")
		return
	}
	if !terminal {
		return
	}
	if err := p.reports.RecordOutcome(ctx, job.RunID, job.OrganisationID, outcome, errorKind, latency); err != nil {
		log.WithFields(log.Fields{"jobId": job.JobID, "err": err}).Error("recording job outcome")
	}
}

func (p *Pool) acquire(ctx context.Context, org string) error {
	p.mu.Lock()
	var slots, ok = p.orgSlots[org]
	if !ok {
		slots = make(chan struct{}, p.config.PerOrgInflight)
		p.orgSlots[org] = slots
	}
	p.mu.Unlock()

	select {
	case slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release(org string) {
	p.mu.Lock()
	var slots = p.orgSlots[org]
	p.mu.Unlock()
	<-slots
}
