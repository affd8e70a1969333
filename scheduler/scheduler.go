// Package scheduler turns due consents into queued sync jobs. Two
// daily batch windows fan out the full due set under a run id; a
// continuous incremental loop picks up stragglers between windows
// without run accounting. Dispatch pauses while the queue is deeper
// than the configured bound.
package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/consent"
	"github.com/openfinancebr/receptor/events"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/queue"
	"github.com/openfinancebr/receptor/report"
)

// Config tunes dispatch cadence and back-pressure.
type Config struct {
	// BatchWindows are offsets from UTC midnight at which full batch
	// runs start.
	BatchWindows []time.Duration
	// IncrementalInterval paces the between-windows catch-up loop.
	IncrementalInterval time.Duration
	// Cooldown is the minimum gap between syncs of one consent.
	Cooldown time.Duration
	PageSize int
	// MaxDepth pauses dispatch while more jobs than this are PENDING.
	MaxDepth int64
	// BasePriority seeds every dispatched job; one point is added per
	// AgePriorityStep the consent has gone unprocessed, up to
	// MaxPriority.
	BasePriority    int
	AgePriorityStep time.Duration
	MaxPriority     int

	BackpressurePause time.Duration
	CompletionPoll    time.Duration
}

// DefaultConfig dispatches at 02:00 and 14:00 UTC.
var DefaultConfig = Config{
	BatchWindows:        []time.Duration{2 * time.Hour, 14 * time.Hour},
	IncrementalInterval: 5 * time.Minute,
	Cooldown:            6 * time.Hour,
	PageSize:            200,
	MaxDepth:            10_000,
	BasePriority:        1,
	AgePriorityStep:     12 * time.Hour,
	MaxPriority:         100,
	BackpressurePause:   5 * time.Second,
	CompletionPoll:      2 * time.Second,
}

// Scheduler is the dispatch side of the pipeline.
type Scheduler struct {
	consents  *consent.Engine
	queue     *queue.Queue
	reports   *report.Aggregator
	publisher events.Publisher
	clock     clock.Clock
	config    Config
}

// New wires a Scheduler.
func New(engine *consent.Engine, q *queue.Queue, reports *report.Aggregator, pub events.Publisher, clk clock.Clock, cfg Config) *Scheduler {
	if len(cfg.BatchWindows) == 0 {
		cfg.BatchWindows = DefaultConfig.BatchWindows
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig.PageSize
	}
	if cfg.CompletionPoll <= 0 {
		cfg.CompletionPoll = DefaultConfig.CompletionPoll
	}
	return &Scheduler{consents: engine, queue: q, reports: reports, publisher: pub, clock: clk, config: cfg}
}

// RunWindows executes a full batch run at each configured window until
// |ctx| is cancelled. Run finalisation happens in the background so a
// slow drain never delays the next window.
func (s *Scheduler) RunWindows(ctx context.Context) error {
	for {
		var wait = s.untilNextWindow(s.clock.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(wait):
		}

		var runID, err = s.RunBatch(ctx)
		if err != nil {
			log.WithField("err", err).Error("batch run failed")
			continue
		}
		go func() {
			if err := s.FinalizeWhenDrained(ctx, runID); err != nil && ctx.Err() == nil {
				log.WithFields(log.Fields{"runId": runID, "err": err}).Error("run finalisation failed")
			}
		}()
	}
}

// untilNextWindow returns the wait before the earliest window strictly
// after |now|.
func (s *Scheduler) untilNextWindow(now time.Time) time.Duration {
	var midnight = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var best time.Duration = -1
	for _, offset := range s.config.BatchWindows {
		var at = midnight.Add(offset)
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		if d := at.Sub(now); best < 0 || d < best {
			best = d
		}
	}
	return best
}

// RunIncremental dispatches due consents on a short interval, without
// run accounting, until |ctx| is cancelled.
func (s *Scheduler) RunIncremental(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.config.IncrementalInterval):
		}
		if n, err := s.dispatchDue(ctx, ""); err != nil {
			log.WithField("err", err).Warn("incremental dispatch failed")
		} else if n > 0 {
			log.WithField("dispatched", n).Info("incremental dispatch enqueued jobs")
		}
	}
}

// RunBatch dispatches every due consent under a fresh run id, records
// the run, and announces it. Returns the run id.
func (s *Scheduler) RunBatch(ctx context.Context) (string, error) {
	var startedAt = s.clock.Now()
	var runID = clock.RunID(startedAt)

	var dispatched, err = s.dispatchDue(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("dispatching run %s: %w", runID, err)
	}

	if _, err = s.reports.StartRun(ctx, runID, startedAt, dispatched); err != nil {
		return "", err
	}

	err = s.publisher.Publish(ctx, model.TopicBatchCompleted, model.Event{
		Type:       model.EventBatchStarted,
		Key:        runID,
		OccurredAt: startedAt,
		Payload: model.BatchStarted{
			RunID:      runID,
			StartedAt:  startedAt,
			Dispatched: int(dispatched),
		},
	})
	if err != nil {
		log.WithFields(log.Fields{"runId": runID, "err": err}).Error("publishing batch start")
	}

	log.WithFields(log.Fields{"runId": runID, "dispatched": dispatched}).Info("batch run dispatched")
	return runID, nil
}

// dispatchDue pages due consents and enqueues their sync jobs,
// returning how many jobs were newly created.
func (s *Scheduler) dispatchDue(ctx context.Context, runID string) (int64, error) {
	var now = s.clock.Now()
	var cutoff = now.Add(-s.config.Cooldown)

	var dispatched int64
	var pageToken string
	for {
		var consents, next, err = s.consents.FindDue(ctx, cutoff, s.config.PageSize, pageToken)
		if err != nil {
			return dispatched, err
		}
		for i := range consents {
			var n int64
			if n, err = s.enqueueConsent(ctx, &consents[i], runID, now); err != nil {
				return dispatched, err
			}
			dispatched += n
		}
		if next == "" {
			return dispatched, nil
		}
		pageToken = next
	}
}

// enqueueConsent fans one consent out into per-account jobs gated by
// its permissions.
func (s *Scheduler) enqueueConsent(ctx context.Context, c *model.Consent, runID string, now time.Time) (int64, error) {
	if err := s.waitForHeadroom(ctx); err != nil {
		return 0, err
	}

	var priority = s.priority(c, now)
	var kinds []model.JobKind
	if c.HasPermission(model.PermissionAccountsRead) || c.HasPermission(model.PermissionBalancesRead) {
		kinds = append(kinds, model.JobAccountSync)
	}
	if c.HasPermission(model.PermissionTransactionsRead) {
		kinds = append(kinds, model.JobTxSync)
	}

	var dispatched int64
	for _, accountID := range c.LinkedAccountIDs {
		for _, kind := range kinds {
			var _, created, err = s.queue.Enqueue(ctx, model.SyncJob{
				Kind:           kind,
				ConsentID:      c.ConsentID,
				AccountID:      accountID,
				OrganisationID: c.OrganisationID,
				ClientID:       c.ClientID,
				Priority:       priority,
				RunID:          runID,
			})
			if err != nil {
				return dispatched, err
			}
			if created {
				dispatched++
			}
		}
	}
	return dispatched, nil
}

// RequestResync enqueues an immediate, maximum-priority sync of one
// account, for operator-triggered refreshes outside the batch cadence.
func (s *Scheduler) RequestResync(ctx context.Context, kind model.JobKind, clientID, consentID, accountID string) (model.SyncJob, error) {
	var c, err = s.consents.Find(ctx, clientID, consentID)
	if err != nil {
		return model.SyncJob{}, err
	}
	if c.Status != model.ConsentAuthorised {
		return model.SyncJob{}, fmt.Errorf("consent %s is %s; resync requires AUTHORISED", consentID, c.Status)
	}

	job, _, err := s.queue.Enqueue(ctx, model.SyncJob{
		Kind:           kind,
		ConsentID:      consentID,
		AccountID:      accountID,
		OrganisationID: c.OrganisationID,
		ClientID:       clientID,
		Priority:       s.config.MaxPriority,
	})
	if err != nil {
		return model.SyncJob{}, err
	}
	log.WithFields(log.Fields{
		"consentId": consentID,
		"accountId": accountID,
		"kind":      kind,
	}).Info("manual resync enqueued")
	return job, nil
}

// waitForHeadroom blocks while the pending queue exceeds MaxDepth.
func (s *Scheduler) waitForHeadroom(ctx context.Context) error {
	if s.config.MaxDepth <= 0 {
		return nil
	}
	for {
		var depth, err = s.queue.Depth(ctx)
		if err != nil {
			return err
		}
		if depth <= s.config.MaxDepth {
			return nil
		}
		log.WithField("depth", depth).Warn("queue over depth bound; pausing dispatch")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.config.BackpressurePause):
		}
	}
}

// priority grows with how long the consent has gone unprocessed, so
// starved consents pull ahead of freshly synced ones.
func (s *Scheduler) priority(c *model.Consent, now time.Time) int {
	var since = c.StatusUpdatedAt
	if c.LastProcessedAt != nil {
		since = *c.LastProcessedAt
	}

	var p = s.config.BasePriority
	if s.config.AgePriorityStep > 0 {
		p += int(now.Sub(since) / s.config.AgePriorityStep)
	}
	if s.config.MaxPriority > 0 && p > s.config.MaxPriority {
		p = s.config.MaxPriority
	}
	return p
}

// FinalizeWhenDrained polls the run's report until every dispatched
// job has terminated, then finalises it and publishes completion.
func (s *Scheduler) FinalizeWhenDrained(ctx context.Context, runID string) error {
	for {
		var r, err = s.reports.Get(ctx, runID)
		if err != nil {
			return err
		}
		if report.Drained(&r) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.config.CompletionPoll):
		}
	}

	var final, err = s.reports.Finalize(ctx, runID)
	if err != nil {
		return err
	}

	err = s.publisher.Publish(ctx, model.TopicBatchCompleted, model.Event{
		Type:       model.EventBatchCompleted,
		Key:        runID,
		OccurredAt: s.clock.Now(),
		Payload: model.BatchCompleted{
			RunID:          runID,
			TotalProcessed: final.TotalProcessed,
			TotalSuccess:   final.TotalSuccess,
			TotalErrors:    final.TotalErrors,
			TotalSkipped:   final.TotalSkipped,
			ErrorsByKind:   final.ErrorsByKind,
		},
	})
	if err != nil {
		log.WithFields(log.Fields{"runId": runID, "err": err}).Error("publishing batch completion")
	}
	return nil
}
