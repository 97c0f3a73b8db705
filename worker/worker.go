package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pixelmill/transcode-api/cache"
	"github.com/pixelmill/transcode-api/clients"
	"github.com/pixelmill/transcode-api/encoder"
	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/metrics"
	"github.com/pixelmill/transcode-api/progress"
	"github.com/pixelmill/transcode-api/queue"
)

// Stage-local progress milestones. The encode maps its per-resolution mean
// into the window between encodeStart and encodeEnd.
const (
	progressClaimed     = 5
	progressDownloaded  = 10
	progressUploading   = 95
	encodeStartFraction = 0.10
	encodeEndFraction   = 0.70

	// A draining worker finishes the current job only when it is already
	// past its encode; anything earlier is released back to the queue.
	drainableProgress = 70
)

// ObjectStore is the slice of the object store adapter the worker needs.
type ObjectStore interface {
	Download(ctx context.Context, key, localPath string) error
	UploadTree(ctx context.Context, localDir, keyPrefix string) error
}

type Config struct {
	APIBase           string
	TempRoot          string
	NodeName          string
	BackgroundThreads int
}

type activeJob struct {
	entry    *queue.Entry
	cancel   context.CancelFunc
	mu       sync.Mutex
	progress int
	released bool
}

func (a *activeJob) setProgress(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p > a.progress {
		a.progress = p
	}
}

func (a *activeJob) getProgress() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Worker consumes one queue. Each concurrency slot runs the linear
// download → encode → upload → notify → enqueue-next-stage routine for one
// claimed entry at a time.
type Worker struct {
	queue       *queue.Queue
	scheduler   *queue.Scheduler
	store       jobstore.Store
	objectStore ObjectStore
	encoder     encoder.Driver
	webhook     clients.WebhookSender
	cfg         Config

	inFlight *cache.Cache[*activeJob]
}

func New(q *queue.Queue, scheduler *queue.Scheduler, store jobstore.Store, objectStore ObjectStore, enc encoder.Driver, webhook clients.WebhookSender, cfg Config) *Worker {
	return &Worker{
		queue:       q,
		scheduler:   scheduler,
		store:       store,
		objectStore: objectStore,
		encoder:     enc,
		webhook:     webhook,
		cfg:         cfg,
		inFlight:    cache.New[*activeJob](),
	}
}

// Run claims and processes jobs until ctx is cancelled, then drains or
// releases whatever is in flight. It blocks until all slots have stopped.
func (w *Worker) Run(ctx context.Context) error {
	concurrency := w.queue.Config().Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s-%d", w.cfg.NodeName, w.queue.Name(), i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx, workerID)
		}()
	}

	<-ctx.Done()
	w.shutdown()
	wg.Wait()
	return nil
}

func (w *Worker) claimLoop(ctx context.Context, workerID string) {
	logCtx := log.WithLogValues(context.Background(), "worker_id", workerID, "queue", w.queue.Name())
	log.LogCtx(logCtx, "worker started")
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := w.queue.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.LogCtx(logCtx, "claim failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if entry == nil {
			continue
		}
		w.runJob(ctx, entry)
	}
}

// shutdown implements the SIGTERM contract: jobs close to done are left to
// drain, everything else is cancelled and its lock released so another
// worker picks it up.
func (w *Worker) shutdown() {
	for _, jobID := range w.inFlight.GetKeys() {
		job := w.inFlight.Get(jobID)
		if job == nil {
			continue
		}
		if job.getProgress() >= drainableProgress {
			log.Log(jobID, "draining in-flight job through shutdown", "progress", job.getProgress())
			continue
		}
		log.Log(jobID, "releasing in-flight job on shutdown", "progress", job.getProgress())
		job.mu.Lock()
		job.released = true
		job.mu.Unlock()
		job.cancel()
	}
}

func (w *Worker) runJob(ctx context.Context, entry *queue.Entry) {
	// The job context deliberately does not inherit the claim context:
	// shutdown decides per job whether to drain or cancel.
	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := &activeJob{entry: entry, cancel: cancel}
	w.inFlight.Store(entry.JobID, job)
	defer w.inFlight.Remove(entry.JobID)

	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(jobCtx, entry, cancel, heartbeatDone)

	start := time.Now()
	err := w.processJob(jobCtx, entry, job)
	cancel()
	<-heartbeatDone

	metrics.Metrics.StageDurationSec.WithLabelValues(w.queue.Name(), fmt.Sprint(err == nil)).Observe(time.Since(start).Seconds())

	job.mu.Lock()
	released := job.released
	job.mu.Unlock()

	finishCtx, finishCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finishCancel()

	switch {
	case err == nil:
		// Complete was already issued at the end of processJob.
	case released:
		if releaseErr := w.queue.Release(finishCtx, entry); releaseErr != nil {
			log.LogError(entry.JobID, "error releasing job on shutdown", releaseErr)
		}
	default:
		w.failAttempt(finishCtx, entry, err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, entry *queue.Entry, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.queue.Config().LockRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, entry); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Lock lost to stall recovery; another worker may already
				// own this job, so stop working on it.
				log.LogError(entry.JobID, "heartbeat failed, abandoning job", err)
				cancel()
				return
			}
		}
	}
}

// processJob is the linear worker routine for one claimed entry.
// Cancellation is honored at the named step boundaries; the tempdir is
// removed on every exit path.
func (w *Worker) processJob(ctx context.Context, entry *queue.Entry, job *activeJob) error {
	jobID := entry.JobID
	payload := entry.Payload
	log.AddContext(jobID, "queue", w.queue.Name(), "stage", payload.Stage, "raw_object_key", payload.RawObjectKey)
	log.Log(jobID, "processing job", "attempt", entry.AttemptsMade)

	// Belt and braces next to the scheduler's active-event mirror: if event
	// delivery lags, the status flip happens here instead.
	processing := jobstore.StatusProcessing
	now := time.Now().UTC()
	if _, err := w.store.Update(jobID, jobstore.Patch{Status: &processing, StartedAt: &now}, nil); err != nil {
		log.Log(jobID, "could not flip job to processing", "err", err)
	}
	w.reportProgress(ctx, entry, job, progressClaimed)

	tempDir, err := os.MkdirTemp(w.cfg.TempRoot, "transcode-"+jobID+"-")
	if err != nil {
		return fmt.Errorf("error creating temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			log.LogError(jobID, "error removing temp dir", rmErr, "dir", tempDir)
		}
	}()

	// Acquire input.
	inputPath := payload.LocalPath
	if inputPath == "" {
		inputPath = fmt.Sprintf("%s/input%s", tempDir, path.Ext(payload.RawObjectKey))
		if err := w.objectStore.Download(ctx, payload.RawObjectKey, inputPath); err != nil {
			return fmt.Errorf("error downloading source: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.reportProgress(ctx, entry, job, progressDownloaded)

	// Encode.
	spec := encoder.SpecForStage(payload.Stage, w.cfg.BackgroundThreads)
	outputDir := tempDir + "/out"
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("error creating output dir: %w", err)
	}
	if err := w.encode(ctx, entry, job, inputPath, outputDir, spec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Upload outputs.
	outputPrefix := clients.OutputPrefixFor(payload.RawObjectKey)
	if err := w.objectStore.UploadTree(ctx, outputDir, outputPrefix); err != nil {
		return fmt.Errorf("error uploading outputs: %w", err)
	}
	w.reportProgress(ctx, entry, job, progressUploading)

	// Finalize.
	hlsMasterURL := fmt.Sprintf("%s/hls/%s/master.m3u8", w.cfg.APIBase, outputPrefix)
	completed := jobstore.StatusCompleted
	hundred := 100
	completedAt := time.Now().UTC()
	perResolution := map[string]jobstore.ResolutionState{}
	for _, tag := range spec.TargetResolutions {
		perResolution[tag] = jobstore.ResolutionState{Status: jobstore.StatusCompleted, Progress: 100}
	}
	if _, err := w.store.Update(jobID, jobstore.Patch{
		Status:        &completed,
		Progress:      &hundred,
		PerResolution: perResolution,
		HLSMasterURL:  &hlsMasterURL,
		CompletedAt:   &completedAt,
		ClearError:    true,
	}, nil); err != nil {
		return fmt.Errorf("error finalizing job: %w", err)
	}
	log.Log(jobID, "stage complete", "hls_master_url", hlsMasterURL)

	// Notify. Best effort only; a missed webhook never fails the job.
	if payload.CorrelationID != "" && w.webhook != nil {
		if err := w.webhook.NotifyStageComplete(ctx, jobID, payload.CorrelationID, hlsMasterURL, payload.Stage); err != nil {
			log.LogError(jobID, "webhook notification failed", err)
		}
	}

	// Enqueue next stage.
	if payload.Stage == string(jobstore.StageFast) {
		if err := w.enqueueBackgroundSibling(ctx, entry, outputPrefix); err != nil {
			log.LogError(jobID, "error enqueueing background sibling", err)
		}
	}

	return w.queue.Complete(ctx, entry, queue.Result{HLSMasterURL: hlsMasterURL})
}

func (w *Worker) encode(ctx context.Context, entry *queue.Entry, job *activeJob, inputPath, outputDir string, spec encoder.Spec) error {
	tracker := progress.NewTracker(spec.TargetResolutions)

	perResolution := map[string]jobstore.ResolutionState{}
	for _, tag := range spec.TargetResolutions {
		perResolution[tag] = jobstore.ResolutionState{Status: jobstore.StatusProcessing}
	}
	if _, err := w.store.Update(entry.JobID, jobstore.Patch{PerResolution: perResolution}, nil); err != nil {
		log.Log(entry.JobID, "could not seed per-resolution state", "err", err)
	}

	reportCtx, cancelReport := context.WithCancel(ctx)
	defer cancelReport()
	go progress.ReportProgress(reportCtx, entry.JobID, func(fraction float64) error {
		w.reportProgress(ctx, entry, job, int(fraction*100))
		return nil
	}, tracker.Overall, encodeStartFraction, encodeEndFraction)

	err := w.encoder.Transcode(ctx, entry.JobID, inputPath, outputDir, spec, func(resolution string, fraction float64) {
		tracker.Set(resolution, fraction)
		if fraction >= 1 {
			state := map[string]jobstore.ResolutionState{
				resolution: {Status: jobstore.StatusCompleted, Progress: 100},
			}
			if _, err := w.store.Update(entry.JobID, jobstore.Patch{PerResolution: state}, nil); err != nil {
				log.Log(entry.JobID, "could not mark resolution complete", "resolution", resolution, "err", err)
			}
		}
	})
	var encErr errors.EncoderError
	if stderrors.As(err, &encErr) {
		state := map[string]jobstore.ResolutionState{
			encErr.Resolution: {Status: jobstore.StatusFailed},
		}
		if _, updateErr := w.store.Update(entry.JobID, jobstore.Patch{PerResolution: state}, nil); updateErr != nil {
			log.Log(entry.JobID, "could not mark resolution failed", "resolution", encErr.Resolution, "err", updateErr)
		}
	}
	return err
}

func (w *Worker) reportProgress(ctx context.Context, entry *queue.Entry, job *activeJob, percent int) {
	job.setProgress(percent)
	if err := w.queue.ReportProgress(ctx, entry, percent); err != nil {
		log.Log(entry.JobID, "could not report progress", "percent", percent, "err", err)
	}
}

// enqueueBackgroundSibling creates the background-stage Job and queues it.
// The sibling id is derived from the fast job id so a replayed completion
// cannot spawn a second sibling.
func (w *Worker) enqueueBackgroundSibling(ctx context.Context, entry *queue.Entry, outputPrefix string) error {
	siblingID := entry.JobID + "-bg"
	parent, err := w.store.Get(entry.JobID)
	if err != nil {
		return fmt.Errorf("error loading parent job: %w", err)
	}

	sibling := jobstore.Job{
		ID:               siblingID,
		OriginalFilename: parent.OriginalFilename,
		OriginalSize:     parent.OriginalSize,
		MimeType:         parent.MimeType,
		RawObjectKey:     parent.RawObjectKey,
		OutputPrefix:     outputPrefix,
		Status:           jobstore.StatusQueued,
		Stage:            jobstore.StageBackground,
		MaxAttempts:      w.queue.Config().MaxAttempts,
		CorrelationID:    parent.CorrelationID,
	}
	if _, err := w.store.Create(sibling); err != nil {
		if stderrors.As(err, &errors.ConflictError{}) {
			log.Log(entry.JobID, "background sibling already exists", "sibling_id", siblingID)
			return nil
		}
		return fmt.Errorf("error creating background job: %w", err)
	}

	err = w.scheduler.Enqueue(ctx, queue.BackgroundQueueName, siblingID, queue.Payload{
		RawObjectKey:     parent.RawObjectKey,
		OriginalFilename: parent.OriginalFilename,
		Stage:            string(jobstore.StageBackground),
		CorrelationID:    parent.CorrelationID,
	})
	if err != nil && !stderrors.As(err, &errors.AlreadyQueuedError{}) {
		return fmt.Errorf("error enqueueing background job: %w", err)
	}
	log.Log(siblingID, "enqueued background stage", "parent_id", entry.JobID)
	return nil
}

// failAttempt records the failure on the Job and hands the entry back to
// the queue, which either schedules a delayed retry or fails it for good.
// The Job only moves to failed once the attempt budget is exhausted; a
// non-final attempt keeps the error visible but returns the status to
// queued so the delayed retry can still run.
func (w *Worker) failAttempt(ctx context.Context, entry *queue.Entry, jobErr error) {
	log.LogError(entry.JobID, "job attempt failed", jobErr, "attempt", entry.AttemptsMade)

	occurredAt := time.Now().UTC()
	storeErr := jobstore.JobError{Message: jobErr.Error(), OccurredAt: occurredAt}
	var encErr errors.EncoderError
	if stderrors.As(jobErr, &encErr) {
		storeErr.Message = encErr.Error()
		storeErr.Detail = encErr.Detail()
	}

	patch := jobstore.Patch{Error: &storeErr}
	if entry.AttemptsMade >= w.queue.Config().MaxAttempts {
		// Belt and braces next to the queue's failed-event mirror.
		failed := jobstore.StatusFailed
		patch.Status = &failed
		patch.FailedAt = &occurredAt
	} else {
		queued := jobstore.StatusQueued
		patch.Status = &queued
	}
	if _, err := w.store.Update(entry.JobID, patch, nil); err != nil {
		log.LogError(entry.JobID, "error recording job failure", err)
	}

	if err := w.queue.Retry(ctx, entry, storeErr.Message, storeErr.Detail); err != nil {
		log.LogError(entry.JobID, "error scheduling retry", err)
	}
}
