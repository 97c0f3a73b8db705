package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/pixelmill/transcode-api/clients"
	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/metrics"
	"github.com/pixelmill/transcode-api/queue"
	"github.com/pixelmill/transcode-api/requests"
	"github.com/xeipuuv/gojsonschema"
)

// UploadRequest is the JSON admission variant, referencing a source object
// that already exists in the bucket instead of carrying the bytes.
type UploadRequest struct {
	RawObjectKey     string `json:"raw_object_key"`
	OriginalFilename string `json:"original_filename"`
	CorrelationID    string `json:"correlation_id"`
}

type UploadResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (d *TranscodeAPIHandlersCollection) Upload() httprouter.Handle {
	schema := inputSchemasCompiled["Upload"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		metrics.Metrics.UploadRequestCount.Inc()
		start := time.Now()
		status := d.handleUpload(w, req, schema)
		metrics.Metrics.UploadRequestDurationSec.
			WithLabelValues(fmt.Sprint(status < 300), fmt.Sprint(status)).
			Observe(time.Since(start).Seconds())
	}
}

// handleUpload returns the HTTP status it wrote, for request metrics.
func (d *TranscodeAPIHandlersCollection) handleUpload(w http.ResponseWriter, req *http.Request, schema *gojsonschema.Schema) int {
	requestID := requests.GetRequestId(req)

	if HasContentType(req, "application/json") {
		return d.admitStoredSource(w, req, schema, requestID)
	}
	if HasContentType(req, "multipart/form-data") {
		return d.admitMultipart(w, req, requestID)
	}
	errors.WriteHTTPUnsupportedMediaType(w, "Requires multipart/form-data or application/json content type", nil)
	return http.StatusUnsupportedMediaType
}

// admitMultipart streams the file part straight into the object store
// without buffering it locally; the size cap is enforced on the stream.
func (d *TranscodeAPIHandlersCollection) admitMultipart(w http.ResponseWriter, req *http.Request, requestID string) int {
	if req.ContentLength > d.MaxSourceBytes {
		errors.WriteHTTPBadRequest(w, "Source exceeds the upload size limit", fmt.Errorf("limit is %d bytes", d.MaxSourceBytes))
		return http.StatusBadRequest
	}

	mr, err := req.MultipartReader()
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid multipart body", err)
		return http.StatusBadRequest
	}

	jobID := uuid.NewString()
	var (
		correlationID string
		filename      string
		mimeType      string
		rawObjectKey  string
		size          int64
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid multipart body", err)
			return http.StatusBadRequest
		}

		switch part.FormName() {
		case "correlation_id":
			value, err := io.ReadAll(io.LimitReader(part, 1024))
			if err != nil {
				errors.WriteHTTPBadRequest(w, "Invalid correlation_id field", err)
				return http.StatusBadRequest
			}
			correlationID = string(value)
		case "file":
			filename = filepath.Base(part.FileName())
			if filename == "" || filename == "." {
				errors.WriteHTTPBadRequest(w, "Missing upload filename", nil)
				return http.StatusBadRequest
			}
			mimeType = part.Header.Get("Content-Type")
			rawObjectKey = fmt.Sprintf("raw-videos/%s-%s", jobID, filename)

			capped := &cappedReader{reader: part, limit: d.MaxSourceBytes}
			log.AddContext(requestID, "job_id", jobID, "raw_object_key", rawObjectKey)
			if err := d.ObjectStore.Put(req.Context(), rawObjectKey, capped, mimeType); err != nil {
				if capped.exceeded {
					errors.WriteHTTPBadRequest(w, "Source exceeds the upload size limit", fmt.Errorf("limit is %d bytes", d.MaxSourceBytes))
					return http.StatusBadRequest
				}
				log.LogError(requestID, "error storing upload", err)
				errors.WriteHTTPBadGateway(w, "Cannot store upload", err)
				return http.StatusBadGateway
			}
			size = capped.read
		}
	}
	if rawObjectKey == "" {
		errors.WriteHTTPBadRequest(w, "Missing file part", nil)
		return http.StatusBadRequest
	}

	return d.admit(w, req, requestID, jobstore.Job{
		ID:               jobID,
		OriginalFilename: filename,
		OriginalSize:     size,
		MimeType:         mimeType,
		RawObjectKey:     rawObjectKey,
		CorrelationID:    correlationID,
	})
}

// admitStoredSource admits a source that is already in the bucket.
func (d *TranscodeAPIHandlersCollection) admitStoredSource(w http.ResponseWriter, req *http.Request, schema *gojsonschema.Schema, requestID string) int {
	var uploadRequest UploadRequest

	payload, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
		return http.StatusInternalServerError
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return http.StatusBadRequest
	}
	if !result.Valid() {
		errors.WriteHTTPBadBodySchema("Upload", w, result.Errors())
		return http.StatusBadRequest
	}
	if err := json.Unmarshal(payload, &uploadRequest); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return http.StatusBadRequest
	}

	obj, err := d.ObjectStore.Head(req.Context(), uploadRequest.RawObjectKey)
	if err != nil {
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Source object not found", err)
			return http.StatusNotFound
		}
		log.LogError(requestID, "error checking source object", err)
		errors.WriteHTTPBadGateway(w, "Cannot check source object", err)
		return http.StatusBadGateway
	}
	if obj.ContentLength > d.MaxSourceBytes {
		errors.WriteHTTPBadRequest(w, "Source exceeds the upload size limit", fmt.Errorf("limit is %d bytes", d.MaxSourceBytes))
		return http.StatusBadRequest
	}

	filename := uploadRequest.OriginalFilename
	if filename == "" {
		filename = filepath.Base(uploadRequest.RawObjectKey)
	}
	return d.admit(w, req, requestID, jobstore.Job{
		ID:               uuid.NewString(),
		OriginalFilename: filename,
		OriginalSize:     obj.ContentLength,
		MimeType:         obj.ContentType,
		RawObjectKey:     uploadRequest.RawObjectKey,
		CorrelationID:    uploadRequest.CorrelationID,
	})
}

// admit creates the fast-stage Job record, queues it and answers 202.
func (d *TranscodeAPIHandlersCollection) admit(w http.ResponseWriter, req *http.Request, requestID string, job jobstore.Job) int {
	fastQueue, err := d.Scheduler.Queue(queue.FastQueueName)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot admit upload", err)
		return http.StatusInternalServerError
	}

	job.Status = jobstore.StatusQueued
	job.Stage = jobstore.StageFast
	job.OutputPrefix = clients.OutputPrefixFor(job.RawObjectKey)
	job.MaxAttempts = fastQueue.Config().MaxAttempts

	if _, err := d.Store.Create(job); err != nil {
		if stderrors.As(err, &errors.ConflictError{}) {
			errors.WriteHTTPConflict(w, "Job already exists", err)
			return http.StatusConflict
		}
		log.LogError(requestID, "error creating job record", err)
		errors.WriteHTTPInternalServerError(w, "Cannot create job", err)
		return http.StatusInternalServerError
	}

	err = d.Scheduler.Enqueue(req.Context(), queue.FastQueueName, job.ID, queue.Payload{
		RawObjectKey:     job.RawObjectKey,
		OriginalFilename: job.OriginalFilename,
		Stage:            string(jobstore.StageFast),
		CorrelationID:    job.CorrelationID,
	})
	if err != nil {
		log.LogError(requestID, "error enqueueing job", err, "job_id", job.ID)
		errors.WriteHTTPInternalServerError(w, "Cannot enqueue job", err)
		return http.StatusInternalServerError
	}
	log.Log(requestID, "admitted upload", "job_id", job.ID, "original_filename", job.OriginalFilename, "size", job.OriginalSize)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(UploadResponse{
		JobID:     job.ID,
		StatusURL: fmt.Sprintf("%s/v1/jobs/%s/status", d.APIBase, job.ID),
	}); err != nil {
		log.LogError(requestID, "error writing upload response", err)
	}
	return http.StatusAccepted
}

// cappedReader fails the stream once more than the configured limit has
// been read, so oversized uploads are rejected without buffering.
type cappedReader struct {
	reader   io.Reader
	limit    int64
	read     int64
	exceeded bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		c.exceeded = true
		return n, fmt.Errorf("source exceeds size limit")
	}
	return n, err
}
