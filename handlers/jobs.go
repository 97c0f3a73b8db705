package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/queue"
	"github.com/pixelmill/transcode-api/requests"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type ListJobsResponse struct {
	Jobs   []jobstore.Job `json:"jobs"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type QueueStatsResponse struct {
	Queues map[string]queue.Stats  `json:"queues"`
	Jobs   map[jobstore.Status]int `json:"jobs"`
}

func (d *TranscodeAPIHandlersCollection) JobStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		job, err := d.Store.Get(params.ByName("jobID"))
		if err != nil {
			writeJobError(w, req, "Cannot load job", err)
			return
		}
		writeJSON(w, req, http.StatusOK, job)
	}
}

func (d *TranscodeAPIHandlersCollection) ListJobs() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		filter := jobstore.ListFilter{Limit: defaultListLimit}

		if s := req.URL.Query().Get("status"); s != "" {
			status := jobstore.Status(s)
			if !status.IsValid() {
				errors.WriteHTTPBadRequest(w, "Invalid status filter", nil)
				return
			}
			filter.Status = &status
		}
		if s := req.URL.Query().Get("limit"); s != "" {
			limit, err := strconv.Atoi(s)
			if err != nil || limit < 1 || limit > maxListLimit {
				errors.WriteHTTPBadRequest(w, "Invalid limit", err)
				return
			}
			filter.Limit = limit
		}
		if s := req.URL.Query().Get("offset"); s != "" {
			offset, err := strconv.Atoi(s)
			if err != nil || offset < 0 {
				errors.WriteHTTPBadRequest(w, "Invalid offset", err)
				return
			}
			filter.Offset = offset
		}

		jobs, total, err := d.Store.List(filter)
		if err != nil {
			writeJobError(w, req, "Cannot list jobs", err)
			return
		}
		if jobs == nil {
			jobs = []jobstore.Job{}
		}
		writeJSON(w, req, http.StatusOK, ListJobsResponse{
			Jobs:   jobs,
			Total:  total,
			Limit:  filter.Limit,
			Offset: filter.Offset,
		})
	}
}

// RetryJob re-queues a failed job on its stage's queue. Enqueueing happens
// before the status flip so that of two concurrent retries exactly one wins
// and the other observes the entry already queued.
func (d *TranscodeAPIHandlersCollection) RetryJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		jobID := params.ByName("jobID")
		job, err := d.Store.Get(jobID)
		if err != nil {
			writeJobError(w, req, "Cannot load job", err)
			return
		}
		if job.Status != jobstore.StatusFailed {
			errors.WriteHTTPBadRequest(w, "Only failed jobs can be retried", errors.PreconditionError{
				Reason: "job is " + string(job.Status),
			})
			return
		}

		queueName := queue.FastQueueName
		if job.Stage == jobstore.StageBackground {
			queueName = queue.BackgroundQueueName
		}
		err = d.Scheduler.Enqueue(req.Context(), queueName, jobID, queue.Payload{
			RawObjectKey:     job.RawObjectKey,
			OriginalFilename: job.OriginalFilename,
			Stage:            string(job.Stage),
			CorrelationID:    job.CorrelationID,
		})
		if err != nil {
			writeJobError(w, req, "Cannot retry job", err)
			return
		}

		queued := jobstore.StatusQueued
		failed := jobstore.StatusFailed
		job, err = d.Store.Update(jobID, jobstore.Patch{Status: &queued, ClearError: true}, &failed)
		if err != nil {
			// A concurrent retry already flipped the status; re-read and
			// return whatever it left behind.
			log.Log(requests.GetRequestId(req), "retry status flip lost a race", "job_id", jobID, "err", err)
			job, err = d.Store.Get(jobID)
			if err != nil {
				writeJobError(w, req, "Cannot load job", err)
				return
			}
		}
		writeJSON(w, req, http.StatusOK, job)
	}
}

func (d *TranscodeAPIHandlersCollection) DeleteJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		jobID := params.ByName("jobID")
		if err := d.Store.Delete(jobID); err != nil {
			writeJobError(w, req, "Cannot delete job", err)
			return
		}
		writeJSON(w, req, http.StatusOK, map[string]any{"job_id": jobID, "deleted": true})
	}
}

func (d *TranscodeAPIHandlersCollection) QueueStats() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		queues, err := d.Scheduler.Stats(req.Context())
		if err != nil {
			writeJobError(w, req, "Cannot read queue stats", err)
			return
		}
		jobs, err := d.Store.CountByStatus()
		if err != nil {
			writeJobError(w, req, "Cannot count jobs", err)
			return
		}
		writeJSON(w, req, http.StatusOK, QueueStatsResponse{Queues: queues, Jobs: jobs})
	}
}

func writeJSON(w http.ResponseWriter, req *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogError(requests.GetRequestId(req), "error writing response", err)
	}
}

// writeJobError maps the error taxonomy onto HTTP statuses.
func writeJobError(w http.ResponseWriter, req *http.Request, msg string, err error) {
	log.LogError(requests.GetRequestId(req), msg, err, "url", req.URL)
	switch {
	case stderrors.As(err, &errors.NotFoundError{}) || errors.IsObjectNotFound(err):
		errors.WriteHTTPNotFound(w, msg, err)
	case stderrors.As(err, &errors.AlreadyQueuedError{}) || stderrors.As(err, &errors.ConflictError{}):
		errors.WriteHTTPConflict(w, msg, err)
	case stderrors.As(err, &errors.PreconditionError{}):
		errors.WriteHTTPBadRequest(w, msg, err)
	case stderrors.As(err, &errors.ObjectStoreError{}):
		errors.WriteHTTPBadGateway(w, msg, err)
	default:
		errors.WriteHTTPInternalServerError(w, msg, err)
	}
}
