package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pixelmill/transcode-api/encoder"
	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/queue"
)

// memStore is an in-memory jobstore.Store with the Postgres store's update
// semantics, enough for driving the worker end to end.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]jobstore.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]jobstore.Job{}}
}

func (s *memStore) Create(job jobstore.Job) (jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return jobstore.Job{}, errors.ConflictError{Reason: "job already exists: " + job.ID}
	}
	job.CreatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *memStore) Get(jobID string) (jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobstore.Job{}, errors.NotFoundError{What: "job", ID: jobID}
	}
	return job, nil
}

func (s *memStore) Update(jobID string, patch jobstore.Patch, expectedStatus *jobstore.Status) (jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobstore.Job{}, errors.NotFoundError{What: "job", ID: jobID}
	}
	if expectedStatus != nil && job.Status != *expectedStatus {
		return jobstore.Job{}, errors.PreconditionError{Reason: "job is " + string(job.Status)}
	}
	if patch.Status != nil {
		if job.Status.IsTerminal() && *patch.Status != job.Status && expectedStatus == nil {
			return jobstore.Job{}, errors.PreconditionError{Reason: "job is " + string(job.Status)}
		}
		job.Status = *patch.Status
	}
	if patch.Progress != nil && *patch.Progress > job.Progress {
		job.Progress = *patch.Progress
	}
	if patch.PerResolution != nil {
		if job.PerResolution == nil {
			job.PerResolution = map[string]jobstore.ResolutionState{}
		}
		for tag, state := range patch.PerResolution {
			job.PerResolution[tag] = state
		}
	}
	if patch.HLSMasterURL != nil {
		job.HLSMasterURL = *patch.HLSMasterURL
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	if patch.ClearError {
		job.Error = nil
	}
	if patch.QueuedAt != nil {
		job.QueuedAt = patch.QueuedAt
	}
	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
	if patch.FailedAt != nil {
		job.FailedAt = patch.FailedAt
	}
	if patch.IncrementAttempts && job.Attempts < job.MaxAttempts {
		job.Attempts++
	}
	s.jobs[jobID] = job
	return job, nil
}

func (s *memStore) List(filter jobstore.ListFilter) ([]jobstore.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []jobstore.Job
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, len(jobs), nil
}

func (s *memStore) CountByStatus() (map[jobstore.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[jobstore.Status]int{}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (s *memStore) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// fakeObjectStore keeps uploaded trees in memory and materializes a dummy
// source file on download.
type fakeObjectStore struct {
	mu       sync.Mutex
	uploaded map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{uploaded: map[string][]byte{}}
}

func (f *fakeObjectStore) Download(ctx context.Context, key, localPath string) error {
	return os.WriteFile(localPath, []byte("source bytes for "+key), 0o644)
}

func (f *fakeObjectStore) UploadTree(ctx context.Context, localDir, keyPrefix string) error {
	return filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.uploaded[keyPrefix+"/"+filepath.ToSlash(rel)] = body
		f.mu.Unlock()
		return nil
	})
}

func (f *fakeObjectStore) uploadedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.uploaded))
	for k := range f.uploaded {
		keys = append(keys, k)
	}
	return keys
}

// fakeEncoder writes the HLS tree an encode would produce.
type fakeEncoder struct {
	err error
}

func (f fakeEncoder) Transcode(ctx context.Context, jobID, inputPath, outputDir string, spec encoder.Spec, onProgress encoder.ProgressFunc) error {
	if f.err != nil {
		return f.err
	}
	for _, tag := range spec.TargetResolutions {
		dir := filepath.Join(outputDir, tag)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "segment000.ts"), []byte("ts"), 0o644); err != nil {
			return err
		}
		onProgress(tag, 1)
	}
	return encoder.WriteMasterPlaylist(outputDir, spec.PlaylistResolutions)
}

// flakyEncoder fails a set number of attempts before encoding normally.
type flakyEncoder struct {
	mu       sync.Mutex
	failures int
	err      error
}

func (f *flakyEncoder) Transcode(ctx context.Context, jobID, inputPath, outputDir string, spec encoder.Spec, onProgress encoder.ProgressFunc) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return fakeEncoder{}.Transcode(ctx, jobID, inputPath, outputDir, spec, onProgress)
}

type fakeWebhook struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeWebhook) NotifyStageComplete(ctx context.Context, jobID, correlationID, hlsMasterURL, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s|%s|%s", jobID, correlationID, stage))
	return nil
}

type testHarness struct {
	fastQueue       *queue.Queue
	backgroundQueue *queue.Queue
	scheduler       *queue.Scheduler
	store           *memStore
	objectStore     *fakeObjectStore
	webhook         *fakeWebhook
}

func newHarness(t *testing.T, fastOpts ...func(*queue.Config)) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fastCfg := queue.FastConfig()
	fastCfg.RateLimitMax = 100
	for _, opt := range fastOpts {
		opt(&fastCfg)
	}
	backgroundCfg := queue.BackgroundConfig()
	backgroundCfg.RateLimitMax = 100

	store := newMemStore()
	fastQueue := queue.New(client, fastCfg)
	backgroundQueue := queue.New(client, backgroundCfg)
	return &testHarness{
		fastQueue:       fastQueue,
		backgroundQueue: backgroundQueue,
		scheduler:       queue.NewScheduler(store, fastQueue, backgroundQueue),
		store:           store,
		objectStore:     newFakeObjectStore(),
		webhook:         &fakeWebhook{},
	}
}

func (h *testHarness) newWorker(t *testing.T, q *queue.Queue, enc encoder.Driver) *Worker {
	t.Helper()
	return New(q, h.scheduler, h.store, h.objectStore, enc, h.webhook, Config{
		APIBase:           "http://localhost:8989/api/upload",
		TempRoot:          t.TempDir(),
		NodeName:          "test-node",
		BackgroundThreads: 2,
	})
}

func (h *testHarness) seedFastJob(t *testing.T, ctx context.Context, jobID string) {
	t.Helper()
	_, err := h.store.Create(jobstore.Job{
		ID:               jobID,
		OriginalFilename: "lesson.mp4",
		RawObjectKey:     "raw-videos/" + jobID + "-lesson.mp4",
		OutputPrefix:     jobID + "-lesson",
		Status:           jobstore.StatusQueued,
		Stage:            jobstore.StageFast,
		MaxAttempts:      3,
		CorrelationID:    "corr-1",
	})
	require.NoError(t, err)
	require.NoError(t, h.scheduler.Enqueue(ctx, queue.FastQueueName, jobID, queue.Payload{
		RawObjectKey:     "raw-videos/" + jobID + "-lesson.mp4",
		OriginalFilename: "lesson.mp4",
		Stage:            string(jobstore.StageFast),
		CorrelationID:    "corr-1",
	}))
}

func TestWorkerCompletesFastStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedFastJob(t, ctx, "job-1")

	w := h.newWorker(t, h.fastQueue, fakeEncoder{})
	entry, err := h.fastQueue.Claim(ctx, "w0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	w.runJob(ctx, entry)

	job, err := h.store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, "http://localhost:8989/api/upload/hls/job-1-lesson/master.m3u8", job.HLSMasterURL)
	require.Equal(t, jobstore.ResolutionState{Status: jobstore.StatusCompleted, Progress: 100}, job.PerResolution["360p"])
	require.NotNil(t, job.CompletedAt)

	require.Contains(t, h.objectStore.uploadedKeys(), "job-1-lesson/master.m3u8")
	require.Contains(t, h.objectStore.uploadedKeys(), "job-1-lesson/360p/segment000.ts")

	// the fast stage spawns exactly one background sibling
	sibling, err := h.store.Get("job-1-bg")
	require.NoError(t, err)
	require.Equal(t, jobstore.StageBackground, sibling.Stage)
	require.Equal(t, jobstore.StatusQueued, sibling.Status)
	require.Equal(t, "raw-videos/job-1-lesson.mp4", sibling.RawObjectKey)

	stats, err := h.backgroundQueue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)

	h.webhook.mu.Lock()
	defer h.webhook.mu.Unlock()
	require.Equal(t, []string{"job-1|corr-1|fast"}, h.webhook.calls)
}

func TestWorkerBackgroundStageSpawnsNoSibling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Create(jobstore.Job{
		ID:           "job-1-bg",
		RawObjectKey: "raw-videos/job-1-lesson.mp4",
		Status:       jobstore.StatusQueued,
		Stage:        jobstore.StageBackground,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	require.NoError(t, h.scheduler.Enqueue(ctx, queue.BackgroundQueueName, "job-1-bg", queue.Payload{
		RawObjectKey: "raw-videos/job-1-lesson.mp4",
		Stage:        string(jobstore.StageBackground),
	}))

	w := h.newWorker(t, h.backgroundQueue, fakeEncoder{})
	entry, err := h.backgroundQueue.Claim(ctx, "w0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	w.runJob(ctx, entry)

	job, err := h.store.Get("job-1-bg")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCompleted, job.Status)
	for _, tag := range []string{"480p", "720p", "1080p"} {
		require.Equal(t, jobstore.ResolutionState{Status: jobstore.StatusCompleted, Progress: 100}, job.PerResolution[tag])
	}

	// only one entry ever existed on the background queue
	stats, err := h.backgroundQueue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Waiting)
	require.EqualValues(t, 1, stats.Completed)
	_, err = h.store.Get("job-1-bg-bg")
	require.Error(t, err)
}

func TestWorkerFailedAttemptSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedFastJob(t, ctx, "job-1")

	encodeErr := errors.NewEncoderError("360p", "x264 [error]: malformed input", fmt.Errorf("exit status 1"))
	w := h.newWorker(t, h.fastQueue, fakeEncoder{err: encodeErr})
	entry, err := h.fastQueue.Claim(ctx, "w0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	w.runJob(ctx, entry)

	// a first failed attempt is not terminal: the error is visible but the
	// job goes back to queued for the delayed retry
	job, err := h.store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusQueued, job.Status)
	require.Nil(t, job.FailedAt)
	require.NotNil(t, job.Error)
	require.Contains(t, job.Error.Message, "360p")
	require.Equal(t, "x264 [error]: malformed input", job.Error.Detail)
	require.Equal(t, jobstore.ResolutionState{Status: jobstore.StatusFailed}, job.PerResolution["360p"])

	// the entry sits in delayed backoff, not failed for good
	stats, err := h.fastQueue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Delayed)
	require.EqualValues(t, 0, stats.Failed)
}

func TestWorkerRetriedJobCompletes(t *testing.T) {
	h := newHarness(t, func(cfg *queue.Config) { cfg.BackoffBase = time.Millisecond })
	ctx := context.Background()
	h.seedFastJob(t, ctx, "job-1")

	encodeErr := errors.NewEncoderError("360p", "x264 [error]: malformed input", fmt.Errorf("exit status 1"))
	w := h.newWorker(t, h.fastQueue, &flakyEncoder{failures: 2, err: encodeErr})

	for attempt := 1; attempt <= 3; attempt++ {
		entry, err := h.fastQueue.Claim(ctx, "w0")
		require.NoError(t, err)
		require.NotNil(t, entry, "attempt %d", attempt)
		require.Equal(t, attempt, entry.AttemptsMade)
		w.runJob(ctx, entry)

		if attempt < 3 {
			job, err := h.store.Get("job-1")
			require.NoError(t, err)
			require.Equal(t, jobstore.StatusQueued, job.Status)
			require.NotNil(t, job.Error)
		}
	}

	job, err := h.store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCompleted, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, 100, job.Progress)
	require.Nil(t, job.Error)
	require.Equal(t, jobstore.ResolutionState{Status: jobstore.StatusCompleted, Progress: 100}, job.PerResolution["360p"])
	require.NotNil(t, job.CompletedAt)

	stats, err := h.fastQueue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Completed)
	require.EqualValues(t, 0, stats.Failed)
}

func TestWorkerLastAttemptFailsJob(t *testing.T) {
	h := newHarness(t, func(cfg *queue.Config) { cfg.BackoffBase = time.Millisecond })
	ctx := context.Background()
	h.seedFastJob(t, ctx, "job-1")

	encodeErr := errors.NewEncoderError("360p", "x264 [error]: malformed input", fmt.Errorf("exit status 1"))
	w := h.newWorker(t, h.fastQueue, fakeEncoder{err: encodeErr})

	for attempt := 1; attempt <= 3; attempt++ {
		entry, err := h.fastQueue.Claim(ctx, "w0")
		require.NoError(t, err)
		require.NotNil(t, entry, "attempt %d", attempt)
		w.runJob(ctx, entry)
	}

	job, err := h.store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusFailed, job.Status)
	require.NotNil(t, job.FailedAt)
	require.NotNil(t, job.Error)

	stats, err := h.fastQueue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 0, stats.Delayed)
}

func TestEnqueueBackgroundSiblingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedFastJob(t, ctx, "job-1")

	w := h.newWorker(t, h.fastQueue, fakeEncoder{})
	entry, err := h.fastQueue.Claim(ctx, "w0")
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, w.enqueueBackgroundSibling(ctx, entry, "job-1-lesson"))
	// a replayed completion must not spawn a second sibling
	require.NoError(t, w.enqueueBackgroundSibling(ctx, entry, "job-1-lesson"))

	stats, err := h.backgroundQueue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)
}

func TestWorkerUsesLocalPathWhenPresent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	localPath := filepath.Join(t.TempDir(), "already-here.mp4")
	require.NoError(t, os.WriteFile(localPath, []byte("source"), 0o644))

	_, err := h.store.Create(jobstore.Job{
		ID:           "job-1",
		RawObjectKey: "raw-videos/job-1-lesson.mp4",
		Status:       jobstore.StatusQueued,
		Stage:        jobstore.StageFast,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	require.NoError(t, h.scheduler.Enqueue(ctx, queue.FastQueueName, "job-1", queue.Payload{
		RawObjectKey: "raw-videos/job-1-lesson.mp4",
		LocalPath:    localPath,
		Stage:        string(jobstore.StageFast),
	}))

	w := h.newWorker(t, h.fastQueue, fakeEncoder{})
	entry, err := h.fastQueue.Claim(ctx, "w0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	w.runJob(ctx, entry)

	job, err := h.store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCompleted, job.Status)
}
