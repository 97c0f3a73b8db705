package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/pixelmill/transcode-api/errors"
)

const (
	FastQueueName       = "fast"
	BackgroundQueueName = "background"

	keyPrefix = "tq:"

	claimPollInterval = 250 * time.Millisecond
	// A single Claim call polls cooperatively for at most this long before
	// handing control back to the worker loop.
	claimBlockWindow = 2 * time.Second

	// Stall recoveries allowed before an entry is failed with reason
	// "stalled".
	maxStallRecoveries = 2
)

// Config is the per-queue scheduling policy. The fast lane favours short
// locks and tight stall detection; the background lane holds locks long
// enough for multi-rendition HD encodes.
type Config struct {
	Name         string
	Concurrency  int
	LockDuration time.Duration
	LockRenew    time.Duration
	StallCheck   time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration

	RemoveOnCompleteAge   time.Duration
	RemoveOnCompleteCount int

	RateLimitMax    int
	RateLimitWindow time.Duration
}

func FastConfig() Config {
	return Config{
		Name:                  FastQueueName,
		Concurrency:           1,
		LockDuration:          60 * time.Second,
		LockRenew:             30 * time.Second,
		StallCheck:            30 * time.Second,
		MaxAttempts:           3,
		BackoffBase:           2 * time.Second,
		RemoveOnCompleteAge:   24 * time.Hour,
		RemoveOnCompleteCount: 100,
		RateLimitMax:          10,
		RateLimitWindow:       60 * time.Second,
	}
}

func BackgroundConfig() Config {
	cfg := FastConfig()
	cfg.Name = BackgroundQueueName
	cfg.LockDuration = 600 * time.Second
	cfg.LockRenew = 300 * time.Second
	cfg.StallCheck = 60 * time.Second
	return cfg
}

// RetryDelay is the exponential backoff applied before an entry becomes
// claimable again: base * 2^(attempts-1).
func (c Config) RetryDelay(attemptsMade int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// Payload is the immutable job description carried by a queue entry. The
// entry identifier always equals the Job's job_id.
type Payload struct {
	RawObjectKey     string `json:"raw_object_key"`
	LocalPath        string `json:"local_path,omitempty"`
	OriginalFilename string `json:"original_filename"`
	Stage            string `json:"stage"`
	CorrelationID    string `json:"correlation_id,omitempty"`
}

// Result is the return value recorded on a completed entry.
type Result struct {
	HLSMasterURL string `json:"hls_url"`
}

// Entry is a claimed queue entry. The lock it represents is only valid
// while heartbeats keep extending LockExpiresAt.
type Entry struct {
	Queue         string
	JobID         string
	Payload       Payload
	AttemptsMade  int
	Stalls        int
	LockOwner     string
	LockExpiresAt time.Time
}

type EventKind string

const (
	EventAdded     EventKind = "added"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
)

// Event is the tagged lifecycle variant queues emit; the Scheduler routes
// each kind into the corresponding Job Store mirror update.
type Event struct {
	Queue    string
	JobID    string
	Kind     EventKind
	Progress int
	Result   *Result
	Reason   string
	Detail   string
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// NewClient builds a Redis client from a redis:// connection URL.
func NewClient(redisURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Queue is one named lane of queue entries stored in Redis. Waiting entries
// live in a ZSET scored by available_at (ready entries therefore pop in
// FIFO order with the job id as the lexicographic tie-break), active
// entries in a ZSET scored by lock expiry, and each entry's fields in a
// hash keyed by job id.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	notify func(Event)
}

func New(client redis.UniversalClient, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg}
}

func (q *Queue) Name() string   { return q.cfg.Name }
func (q *Queue) Config() Config { return q.cfg }

// SetNotifier registers the lifecycle event sink. The Scheduler installs
// itself here; a nil notifier drops events.
func (q *Queue) SetNotifier(fn func(Event)) {
	q.notify = fn
}

func (q *Queue) emit(ev Event) {
	ev.Queue = q.cfg.Name
	if q.notify != nil {
		q.notify(ev)
	}
}

func (q *Queue) waitKey() string      { return keyPrefix + q.cfg.Name + ":wait" }
func (q *Queue) activeKey() string    { return keyPrefix + q.cfg.Name + ":active" }
func (q *Queue) completedKey() string { return keyPrefix + q.cfg.Name + ":completed" }
func (q *Queue) failedKey() string    { return keyPrefix + q.cfg.Name + ":failed" }
func (q *Queue) entryPrefix() string  { return keyPrefix + q.cfg.Name + ":entry:" }
func (q *Queue) entryKey(jobID string) string {
	return q.entryPrefix() + jobID
}

func (q *Queue) rateKey(now time.Time) string {
	window := now.Unix() / int64(q.cfg.RateLimitWindow/time.Second)
	return keyPrefix + q.cfg.Name + ":rate:" + strconv.FormatInt(window, 10)
}

var enqueueScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[5], "state")
if state == "waiting" or state == "delayed" or state == "active" then
	return "busy"
end
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("DEL", KEYS[5])
redis.call("HSET", KEYS[5], "payload", ARGV[2], "attempts_made", "0", "stalls", "0", "available_at", ARGV[3], "state", ARGV[5], "created_at", ARGV[4], "lock_owner", "", "lock_expires_at", "0")
redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), ARGV[1])
return "ok"
`)

// Enqueue adds jobID to the queue. Re-using the id of an entry in a
// terminal state replaces that entry; re-using the id of a waiting,
// delayed or active entry fails with AlreadyQueuedError.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload Payload, delay time.Duration) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshalling payload: %w", err)
	}
	now := time.Now()
	availableAt := now.Add(delay)
	state := "waiting"
	if delay > 0 {
		state = "delayed"
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.waitKey(), q.activeKey(), q.completedKey(), q.failedKey(), q.entryKey(jobID)},
		jobID, string(payloadJSON), availableAt.UnixMilli(), now.UnixMilli(), state,
	).Text()
	if err != nil {
		return fmt.Errorf("error enqueueing job %s: %w", jobID, err)
	}
	if res == "busy" {
		return errors.AlreadyQueuedError{Queue: q.cfg.Name, JobID: jobID}
	}
	q.emit(Event{JobID: jobID, Kind: EventAdded})
	return nil
}

var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", "1")
if #ids == 0 then
	return {}
end
local rate = tonumber(redis.call("GET", KEYS[3]) or "0")
if rate >= tonumber(ARGV[2]) then
	return {"", "rate"}
end
local id = ids[1]
local entry = ARGV[5] .. id
redis.call("ZREM", KEYS[1], id)
local expires = tonumber(ARGV[1]) + tonumber(ARGV[4])
redis.call("ZADD", KEYS[2], expires, id)
redis.call("HSET", entry, "state", "active", "lock_owner", ARGV[6], "lock_expires_at", tostring(expires))
local attempts = redis.call("HINCRBY", entry, "attempts_made", 1)
redis.call("INCR", KEYS[3])
if rate == 0 then
	redis.call("EXPIRE", KEYS[3], ARGV[3])
end
return {id, tostring(attempts)}
`)

// Claim pops the next ready entry and assigns a lock to workerID, polling
// cooperatively for a short window. It returns (nil, nil) when nothing is
// claimable within the window.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Entry, error) {
	deadline := time.Now().Add(claimBlockWindow)
	for {
		entry, err := q.tryClaim(ctx, workerID)
		if err != nil || entry != nil {
			return entry, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimPollInterval):
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context, workerID string) (*Entry, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.waitKey(), q.activeKey(), q.rateKey(now)},
		now.UnixMilli(),
		q.cfg.RateLimitMax,
		int(q.cfg.RateLimitWindow/time.Second)*2,
		q.cfg.LockDuration.Milliseconds(),
		q.entryPrefix(),
		workerID,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("error claiming from %s: %w", q.cfg.Name, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	jobID, _ := res[0].(string)
	if jobID == "" {
		// rate limited this window
		return nil, nil
	}
	entry, err := q.getEntry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	q.emit(Event{JobID: jobID, Kind: EventActive})
	return entry, nil
}

func (q *Queue) getEntry(ctx context.Context, jobID string) (*Entry, error) {
	fields, err := q.client.HGetAll(ctx, q.entryKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading entry %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, errors.NotFoundError{What: "queue entry", ID: jobID}
	}
	entry := &Entry{Queue: q.cfg.Name, JobID: jobID, LockOwner: fields["lock_owner"]}
	if err := json.Unmarshal([]byte(fields["payload"]), &entry.Payload); err != nil {
		return nil, fmt.Errorf("error unmarshalling payload for %s: %w", jobID, err)
	}
	entry.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	entry.Stalls, _ = strconv.Atoi(fields["stalls"])
	if ms, err := strconv.ParseInt(fields["lock_expires_at"], 10, 64); err == nil && ms > 0 {
		entry.LockExpiresAt = time.UnixMilli(ms)
	}
	return entry, nil
}

var heartbeatScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "lock_owner") ~= ARGV[2] then
	return 0
end
if redis.call("HGET", KEYS[2], "state") ~= "active" then
	return 0
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", KEYS[2], "lock_expires_at", ARGV[3])
return 1
`)

// Heartbeat extends the entry's lock by one lock duration. It fails with a
// ConflictError when the lock has been lost to stall recovery.
func (q *Queue) Heartbeat(ctx context.Context, entry *Entry) error {
	expires := time.Now().Add(q.cfg.LockDuration)
	ok, err := heartbeatScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.entryKey(entry.JobID)},
		entry.JobID, entry.LockOwner, expires.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("error heartbeating %s: %w", entry.JobID, err)
	}
	if ok != 1 {
		return errors.ConflictError{Reason: "lock lost for job " + entry.JobID}
	}
	entry.LockExpiresAt = expires
	return nil
}

var completeScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], "lock_owner") ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", KEYS[3], "state", "completed", "finished_at", ARGV[3], "return_value", ARGV[4])
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[5])
for i = 1, #expired do
	redis.call("ZREM", KEYS[2], expired[i])
	redis.call("DEL", ARGV[7] .. expired[i])
end
local overflow = redis.call("ZRANGE", KEYS[2], 0, -1 - tonumber(ARGV[6]))
for i = 1, #overflow do
	redis.call("ZREM", KEYS[2], overflow[i])
	redis.call("DEL", ARGV[7] .. overflow[i])
end
return 1
`)

// Complete releases the lock, records the return value and trims the
// completed set by age and count.
func (q *Queue) Complete(ctx context.Context, entry *Entry, result Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("error marshalling result: %w", err)
	}
	now := time.Now()
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.completedKey(), q.entryKey(entry.JobID)},
		entry.JobID, entry.LockOwner, now.UnixMilli(), string(resultJSON),
		now.Add(-q.cfg.RemoveOnCompleteAge).UnixMilli(), q.cfg.RemoveOnCompleteCount,
		q.entryPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("error completing %s: %w", entry.JobID, err)
	}
	if ok != 1 {
		return errors.ConflictError{Reason: "lock lost for job " + entry.JobID}
	}
	q.emit(Event{JobID: entry.JobID, Kind: EventCompleted, Result: &result})
	return nil
}

var failScript = redis.NewScript(`
if ARGV[2] ~= "" and redis.call("HGET", KEYS[3], "lock_owner") ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", KEYS[3], "state", "failed", "finished_at", ARGV[3], "reason", ARGV[4])
return 1
`)

// Fail releases the lock and parks the entry in the failed set, which is
// kept indefinitely for inspection.
func (q *Queue) Fail(ctx context.Context, entry *Entry, reason, detail string) error {
	ok, err := failScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.failedKey(), q.entryKey(entry.JobID)},
		entry.JobID, entry.LockOwner, time.Now().UnixMilli(), reason,
	).Int()
	if err != nil {
		return fmt.Errorf("error failing %s: %w", entry.JobID, err)
	}
	if ok != 1 {
		return errors.ConflictError{Reason: "lock lost for job " + entry.JobID}
	}
	q.emit(Event{JobID: entry.JobID, Kind: EventFailed, Reason: reason, Detail: detail})
	return nil
}

var requeueScript = redis.NewScript(`
if ARGV[2] ~= "" and redis.call("HGET", KEYS[3], "lock_owner") ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", KEYS[3], "state", ARGV[4], "available_at", ARGV[3], "lock_owner", "", "lock_expires_at", "0")
return 1
`)

// Retry re-queues the entry with availability delayed by the configured
// exponential backoff. When the entry has already consumed its attempt
// budget it is failed instead.
func (q *Queue) Retry(ctx context.Context, entry *Entry, reason, detail string) error {
	if entry.AttemptsMade >= q.cfg.MaxAttempts {
		return q.Fail(ctx, entry, reason, detail)
	}
	delay := q.cfg.RetryDelay(entry.AttemptsMade)
	availableAt := time.Now().Add(delay)
	ok, err := requeueScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitKey(), q.entryKey(entry.JobID)},
		entry.JobID, entry.LockOwner, availableAt.UnixMilli(), "delayed",
	).Int()
	if err != nil {
		return fmt.Errorf("error retrying %s: %w", entry.JobID, err)
	}
	if ok != 1 {
		return errors.ConflictError{Reason: "lock lost for job " + entry.JobID}
	}
	return nil
}

// Release puts a claimed entry straight back into waiting without counting
// a failure, used when a shutting-down worker abandons a job mid-flight.
func (q *Queue) Release(ctx context.Context, entry *Entry) error {
	ok, err := requeueScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitKey(), q.entryKey(entry.JobID)},
		entry.JobID, entry.LockOwner, time.Now().UnixMilli(), "waiting",
	).Int()
	if err != nil {
		return fmt.Errorf("error releasing %s: %w", entry.JobID, err)
	}
	if ok != 1 {
		return errors.ConflictError{Reason: "lock lost for job " + entry.JobID}
	}
	return nil
}

// ReportProgress records stage-local progress on the entry and emits a
// progress event for the Job Store mirror.
func (q *Queue) ReportProgress(ctx context.Context, entry *Entry, percent int) error {
	if err := q.client.HSet(ctx, q.entryKey(entry.JobID), "progress", percent).Err(); err != nil {
		return fmt.Errorf("error recording progress for %s: %w", entry.JobID, err)
	}
	q.emit(Event{JobID: entry.JobID, Kind: EventProgress, Progress: percent})
	return nil
}

var stalledScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local recovered = {}
local failed = {}
for i = 1, #expired do
	local id = expired[i]
	local entry = ARGV[2] .. id
	redis.call("ZREM", KEYS[1], id)
	local stalls = redis.call("HINCRBY", entry, "stalls", 1)
	if stalls > tonumber(ARGV[3]) then
		redis.call("ZADD", KEYS[3], tonumber(ARGV[1]), id)
		redis.call("HSET", entry, "state", "failed", "reason", "stalled", "finished_at", ARGV[1])
		table.insert(failed, id)
	else
		redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), id)
		redis.call("HSET", entry, "state", "waiting", "lock_owner", "", "lock_expires_at", "0", "available_at", ARGV[1])
		table.insert(recovered, id)
	end
end
local out = { tostring(#recovered) }
for i = 1, #recovered do
	table.insert(out, recovered[i])
end
for i = 1, #failed do
	table.insert(out, failed[i])
end
return out
`)

// RecoverStalled scans the active set for entries whose lock expired
// without a heartbeat. Each is returned to waiting until it has stalled
// more than twice, at which point it is failed with reason "stalled".
func (q *Queue) RecoverStalled(ctx context.Context) (recovered, failed []string, err error) {
	res, err := stalledScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitKey(), q.failedKey()},
		time.Now().UnixMilli(), q.entryPrefix(), maxStallRecoveries,
	).StringSlice()
	if err != nil {
		return nil, nil, fmt.Errorf("error recovering stalled entries on %s: %w", q.cfg.Name, err)
	}
	if len(res) == 0 {
		return nil, nil, nil
	}
	recoveredCount, _ := strconv.Atoi(res[0])
	ids := res[1:]
	for i, id := range ids {
		if i < recoveredCount {
			recovered = append(recovered, id)
			q.emit(Event{JobID: id, Kind: EventStalled})
		} else {
			failed = append(failed, id)
			q.emit(Event{JobID: id, Kind: EventFailed, Reason: "stalled"})
		}
	}
	return recovered, failed, nil
}

// Stats reports entry counts per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	waiting, err := q.client.ZCount(ctx, q.waitKey(), "-inf", now).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("error counting %s waiting: %w", q.cfg.Name, err)
	}
	delayed, err := q.client.ZCount(ctx, q.waitKey(), "("+now, "+inf").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("error counting %s delayed: %w", q.cfg.Name, err)
	}
	active, err := q.client.ZCard(ctx, q.activeKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("error counting %s active: %w", q.cfg.Name, err)
	}
	completed, err := q.client.ZCard(ctx, q.completedKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("error counting %s completed: %w", q.cfg.Name, err)
	}
	failed, err := q.client.ZCard(ctx, q.failedKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("error counting %s failed: %w", q.cfg.Name, err)
	}
	return Stats{Waiting: waiting, Delayed: delayed, Active: active, Completed: completed, Failed: failed}, nil
}
