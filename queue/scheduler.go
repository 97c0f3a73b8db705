package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/metrics"
)

const queueDepthSampleInterval = 15 * time.Second

// Scheduler owns the named queues and mirrors their lifecycle events into
// the Job Store, which stays the single source of truth for user-visible
// state. Events are delivered at least once, so every mirror update is
// idempotent; updates rejected because a job already reached a terminal
// state are dropped on the floor.
type Scheduler struct {
	queues map[string]*Queue
	store  jobstore.Store
}

func NewScheduler(store jobstore.Store, queues ...*Queue) *Scheduler {
	s := &Scheduler{
		queues: make(map[string]*Queue, len(queues)),
		store:  store,
	}
	for _, q := range queues {
		s.queues[q.Name()] = q
		q.SetNotifier(s.handleEvent)
	}
	return s
}

func (s *Scheduler) Queue(name string) (*Queue, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	return q, nil
}

// Enqueue adds the job to the named queue.
func (s *Scheduler) Enqueue(ctx context.Context, queueName, jobID string, payload Payload) error {
	q, err := s.Queue(queueName)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, jobID, payload, 0)
}

// Run drives the periodic work: stall sweeps per queue on each queue's
// stall-check interval and queue-depth sampling for metrics. It blocks
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, q := range s.queues {
		go s.runStallSweeper(ctx, q)
	}

	ticker := time.NewTicker(queueDepthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sampleQueueDepth(ctx)
		}
	}
}

func (s *Scheduler) runStallSweeper(ctx context.Context, q *Queue) {
	ticker := time.NewTicker(q.Config().StallCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, failed, err := q.RecoverStalled(ctx)
			if err != nil {
				log.LogNoRequestID("stall sweep failed", "queue", q.Name(), "err", err)
				continue
			}
			for _, jobID := range recovered {
				log.Log(jobID, "recovered stalled queue entry", "queue", q.Name())
				metrics.Metrics.JobsStalled.WithLabelValues(q.Name()).Inc()
			}
			for _, jobID := range failed {
				log.Log(jobID, "queue entry failed after repeated stalls", "queue", q.Name())
			}
		}
	}
}

func (s *Scheduler) sampleQueueDepth(ctx context.Context) {
	for name, q := range s.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			log.LogNoRequestID("queue depth sample failed", "queue", name, "err", err)
			continue
		}
		metrics.Metrics.QueueDepth.WithLabelValues(name, "waiting").Set(float64(stats.Waiting))
		metrics.Metrics.QueueDepth.WithLabelValues(name, "delayed").Set(float64(stats.Delayed))
		metrics.Metrics.QueueDepth.WithLabelValues(name, "active").Set(float64(stats.Active))
	}
}

// Stats aggregates entry counts across all queues.
func (s *Scheduler) Stats(ctx context.Context) (map[string]Stats, error) {
	out := make(map[string]Stats, len(s.queues))
	for name, q := range s.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, nil
}

// handleEvent routes one lifecycle event into its Job Store mirror update.
func (s *Scheduler) handleEvent(ev Event) {
	now := time.Now().UTC()
	var (
		patch    jobstore.Patch
		expected *jobstore.Status
	)
	switch ev.Kind {
	case EventAdded:
		queued := jobstore.StatusQueued
		patch = jobstore.Patch{Status: &queued, QueuedAt: &now}
	case EventActive:
		processing := jobstore.StatusProcessing
		patch = jobstore.Patch{Status: &processing, StartedAt: &now, IncrementAttempts: true}
		metrics.Metrics.JobsStarted.WithLabelValues(ev.Queue).Inc()
	case EventProgress:
		patch = jobstore.Patch{Progress: &ev.Progress}
	case EventCompleted:
		completed := jobstore.StatusCompleted
		hundred := 100
		patch = jobstore.Patch{Status: &completed, Progress: &hundred, CompletedAt: &now}
		if ev.Result != nil {
			patch.HLSMasterURL = &ev.Result.HLSMasterURL
		}
		metrics.Metrics.JobsCompleted.WithLabelValues(ev.Queue).Inc()
	case EventFailed:
		failed := jobstore.StatusFailed
		patch = jobstore.Patch{
			Status:   &failed,
			FailedAt: &now,
			Error:    &jobstore.JobError{Message: ev.Reason, Detail: ev.Detail, OccurredAt: now},
		}
		metrics.Metrics.JobsFailed.WithLabelValues(ev.Queue).Inc()
	case EventStalled:
		queued := jobstore.StatusQueued
		processing := jobstore.StatusProcessing
		patch = jobstore.Patch{Status: &queued}
		expected = &processing
	default:
		log.Log(ev.JobID, "dropping unknown queue event", "kind", ev.Kind, "queue", ev.Queue)
		return
	}

	if _, err := s.store.Update(ev.JobID, patch, expected); err != nil {
		if stderrors.As(err, &errors.PreconditionError{}) || stderrors.As(err, &errors.NotFoundError{}) {
			// Late or replayed event for a job that moved on; at-least-once
			// delivery makes this normal.
			log.Log(ev.JobID, "skipping stale queue event", "kind", ev.Kind, "err", err)
			return
		}
		log.LogError(ev.JobID, "error mirroring queue event", err, "kind", ev.Kind, "queue", ev.Queue)
	}
}
