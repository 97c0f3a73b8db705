package jobstore

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pixelmill/transcode-api/errors"
)

const jobsTableName = "transcode_jobs"

var jobColumns = []string{
	"id", "original_filename", "original_size", "mime_type",
	"raw_object_key", "output_prefix", "status", "stage", "progress",
	"per_resolution", "attempts", "max_attempts", "hls_master_url", "error",
	"created_at", "queued_at", "started_at", "completed_at", "failed_at",
	"correlation_id",
}

const createTableStatement = `create table if not exists "` + jobsTableName + `" (
	"id" text primary key,
	"original_filename" text not null default '',
	"original_size" bigint not null default 0,
	"mime_type" text not null default '',
	"raw_object_key" text not null default '',
	"output_prefix" text not null default '',
	"status" text not null,
	"stage" text not null,
	"progress" integer not null default 0,
	"per_resolution" jsonb not null default '{}',
	"attempts" integer not null default 0,
	"max_attempts" integer not null default 3,
	"hls_master_url" text not null default '',
	"error" jsonb,
	"created_at" timestamptz not null,
	"queued_at" timestamptz,
	"started_at" timestamptz,
	"completed_at" timestamptz,
	"failed_at" timestamptz,
	"correlation_id" text not null default ''
)`

const createIndexStatement = `create index if not exists "` + jobsTableName + `_status_created_idx"
	on "` + jobsTableName + `" ("status", "created_at" desc)`

// PostgresStore implements Store on a single Postgres table. Every mutation
// is a single statement, so per-record atomicity comes straight from the
// database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the jobs table if it does not exist yet.
func (s *PostgresStore) Migrate() error {
	if _, err := s.db.Exec(createTableStatement); err != nil {
		return fmt.Errorf("error creating %s table: %w", jobsTableName, err)
	}
	if _, err := s.db.Exec(createIndexStatement); err != nil {
		return fmt.Errorf("error creating %s index: %w", jobsTableName, err)
	}
	return nil
}

func (s *PostgresStore) Create(job Job) (Job, error) {
	if job.PerResolution == nil {
		job.PerResolution = map[string]ResolutionState{}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	perResolution, err := json.Marshal(job.PerResolution)
	if err != nil {
		return Job{}, fmt.Errorf("error marshalling per_resolution: %w", err)
	}
	var jobError []byte
	if job.Error != nil {
		if jobError, err = json.Marshal(job.Error); err != nil {
			return Job{}, fmt.Errorf("error marshalling job error: %w", err)
		}
	}

	insertStatement := `insert into "` + jobsTableName + `" ("` +
		strings.Join(jobColumns, `", "`) +
		`") values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err = s.db.Exec(insertStatement,
		job.ID, job.OriginalFilename, job.OriginalSize, job.MimeType,
		job.RawObjectKey, job.OutputPrefix, job.Status, job.Stage, job.Progress,
		perResolution, job.Attempts, job.MaxAttempts, job.HLSMasterURL, jobError,
		job.CreatedAt, job.QueuedAt, job.StartedAt, job.CompletedAt, job.FailedAt,
		job.CorrelationID,
	)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Job{}, errors.ConflictError{Reason: "job already exists: " + job.ID}
		}
		return Job{}, fmt.Errorf("error inserting job %s: %w", job.ID, err)
	}
	return job, nil
}

func (s *PostgresStore) Get(jobID string) (Job, error) {
	selectStatement := `select "` + strings.Join(jobColumns, `", "`) +
		`" from "` + jobsTableName + `" where "id" = $1`
	return scanJob(s.db.QueryRow(selectStatement, jobID), jobID)
}

func (s *PostgresStore) Update(jobID string, patch Patch, expectedStatus *Status) (Job, error) {
	var (
		sets []string
		args = []interface{}{jobID}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, `"status" = `+arg(*patch.Status))
	}
	if patch.Progress != nil {
		// Monotonic within a stage: late progress events never move the
		// value backwards.
		sets = append(sets, `"progress" = greatest("progress", `+arg(*patch.Progress)+`)`)
	}
	if len(patch.PerResolution) > 0 {
		perResolution, err := json.Marshal(patch.PerResolution)
		if err != nil {
			return Job{}, fmt.Errorf("error marshalling per_resolution patch: %w", err)
		}
		sets = append(sets, `"per_resolution" = "per_resolution" || `+arg(perResolution)+`::jsonb`)
	}
	if patch.HLSMasterURL != nil {
		sets = append(sets, `"hls_master_url" = `+arg(*patch.HLSMasterURL))
	}
	if patch.Error != nil {
		jobError, err := json.Marshal(patch.Error)
		if err != nil {
			return Job{}, fmt.Errorf("error marshalling job error: %w", err)
		}
		sets = append(sets, `"error" = `+arg(jobError)+`::jsonb`)
	} else if patch.ClearError {
		sets = append(sets, `"error" = null`)
	}
	if patch.QueuedAt != nil {
		sets = append(sets, `"queued_at" = `+arg(*patch.QueuedAt))
	}
	if patch.StartedAt != nil {
		sets = append(sets, `"started_at" = `+arg(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, `"completed_at" = `+arg(*patch.CompletedAt))
	}
	if patch.FailedAt != nil {
		sets = append(sets, `"failed_at" = `+arg(*patch.FailedAt))
	}
	if patch.IncrementAttempts {
		sets = append(sets, `"attempts" = least("attempts" + 1, "max_attempts")`)
	}
	if len(sets) == 0 {
		return s.Get(jobID)
	}

	where := `"id" = $1`
	if expectedStatus != nil {
		// An explicit precondition names the terminal state it moves away
		// from (the retry endpoint's failed -> queued flip), so the guard
		// below must not also apply.
		where += ` and "status" = ` + arg(*expectedStatus)
	} else if patch.Status != nil {
		// Terminal states are monotonic: only administrative deletion or a
		// caller holding an explicit precondition may move a job out of
		// completed/failed.
		where += ` and ("status" not in ('` + string(StatusCompleted) + `', '` + string(StatusFailed) + `') or "status" = ` + arg(*patch.Status) + `)`
	}

	updateStatement := `update "` + jobsTableName + `" set ` + strings.Join(sets, ", ") +
		` where ` + where +
		` returning "` + strings.Join(jobColumns, `", "`) + `"`
	job, err := scanJob(s.db.QueryRow(updateStatement, args...), jobID)
	if err == nil {
		return job, nil
	}
	if stderrors.As(err, &errors.NotFoundError{}) {
		// Distinguish a missing record from a failed precondition.
		if _, getErr := s.Get(jobID); getErr == nil {
			return Job{}, errors.PreconditionError{Reason: "job " + jobID + " is not in the expected status"}
		}
	}
	return Job{}, err
}

func (s *PostgresStore) List(filter ListFilter) ([]Job, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := ""
	countArgs := []interface{}{}
	listArgs := []interface{}{filter.Limit, filter.Offset}
	if filter.Status != nil {
		where = ` where "status" = $1`
		countArgs = append(countArgs, *filter.Status)
		listArgs = append(listArgs, *filter.Status)
	}

	var total int
	countStatement := `select count(*) from "` + jobsTableName + `"` + where
	if err := s.db.QueryRow(countStatement, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("error counting jobs: %w", err)
	}

	listWhere := where
	if filter.Status != nil {
		listWhere = ` where "status" = $3`
	}
	listStatement := `select "` + strings.Join(jobColumns, `", "`) +
		`" from "` + jobsTableName + `"` + listWhere +
		` order by "created_at" desc, "id" limit $1 offset $2`
	rows, err := s.db.Query(listStatement, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("error listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows, "")
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`select "status", count(*) from "` + jobsTableName + `" group by "status"`)
	if err != nil {
		return nil, fmt.Errorf("error counting jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Delete(jobID string) error {
	deleteStatement := `delete from "` + jobsTableName + `" where "id" = $1 and "status" <> $2`
	result, err := s.db.Exec(deleteStatement, jobID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("error deleting job %s: %w", jobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(jobID); err != nil {
		return err
	}
	return errors.ConflictError{Reason: "cannot delete job " + jobID + " while it is processing"}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner, jobID string) (Job, error) {
	var (
		job           Job
		perResolution []byte
		jobError      []byte
		queuedAt      sql.NullTime
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		failedAt      sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.OriginalFilename, &job.OriginalSize, &job.MimeType,
		&job.RawObjectKey, &job.OutputPrefix, &job.Status, &job.Stage, &job.Progress,
		&perResolution, &job.Attempts, &job.MaxAttempts, &job.HLSMasterURL, &jobError,
		&job.CreatedAt, &queuedAt, &startedAt, &completedAt, &failedAt,
		&job.CorrelationID,
	)
	if err == sql.ErrNoRows {
		return Job{}, errors.NotFoundError{What: "job", ID: jobID}
	}
	if err != nil {
		return Job{}, fmt.Errorf("error scanning job row: %w", err)
	}
	if err := json.Unmarshal(perResolution, &job.PerResolution); err != nil {
		return Job{}, fmt.Errorf("error unmarshalling per_resolution: %w", err)
	}
	if len(jobError) > 0 {
		job.Error = &JobError{}
		if err := json.Unmarshal(jobError, job.Error); err != nil {
			return Job{}, fmt.Errorf("error unmarshalling job error: %w", err)
		}
	}
	if queuedAt.Valid {
		job.QueuedAt = &queuedAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		job.FailedAt = &failedAt.Time
	}
	return job, nil
}
