package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pixelmill/transcode-api/log"
	"github.com/xeipuuv/gojsonschema"
)

type apiError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) apiError {
	var detail string
	if err != nil {
		detail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"error": msg, "detail": detail}); encErr != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", encErr)
	}
	return apiError{msg, status, err}
}

// HTTP Errors
func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPConflict(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusConflict, err)
}

func WriteHTTPUnsupportedMediaType(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusUnsupportedMediaType, err)
}

func WriteHTTPRequestEntityTooLarge(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusRequestEntityTooLarge, err)
}

func WriteHTTPBadGateway(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusBadGateway, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errors []gojsonschema.ResultError) apiError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errors); i++ {
		sb.WriteString(errors[i].String())
		sb.WriteString(" ")
	}
	return writeHttpError(w, sb.String(), http.StatusBadRequest, nil)
}

// ObjectNotFoundError means the requested object store key does not exist.
type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string { return e.msg }
func (e ObjectNotFoundError) Unwrap() error { return e.cause }

func NewObjectNotFoundError(key string, cause error) error {
	msg := "object not found: " + key
	if cause != nil {
		msg = fmt.Sprintf("%s (%s)", msg, cause)
	}
	return ObjectNotFoundError{msg: msg, cause: cause}
}

func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}

// NotFoundError is a missing Job or other addressable record.
type NotFoundError struct {
	What string
	ID   string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.What, e.ID) }

// ConflictError covers duplicate ids, deleting a processing job, and any
// other illegal state transition.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// PreconditionError is an optimistic update whose expected status did not
// hold, or a retry request for a job that is not retryable.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string { return e.Reason }

// AlreadyQueuedError is returned when enqueueing a job id that still has an
// active (waiting, delayed or locked) queue entry.
type AlreadyQueuedError struct {
	Queue string
	JobID string
}

func (e AlreadyQueuedError) Error() string {
	return fmt.Sprintf("job %s already queued on %s", e.JobID, e.Queue)
}

// ObjectStoreError is a transient transport or upstream failure talking to
// the object store; request paths surface it as 502.
type ObjectStoreError struct {
	Op    string
	cause error
}

func (e ObjectStoreError) Error() string { return fmt.Sprintf("object store %s: %s", e.Op, e.cause) }
func (e ObjectStoreError) Unwrap() error { return e.cause }

func NewObjectStoreError(op string, cause error) error {
	return ObjectStoreError{Op: op, cause: cause}
}

// EncoderError is a failed encoder invocation for one resolution. Error()
// is deliberately terse; the stderr tail travels in Detail for the job
// record and logs.
type EncoderError struct {
	Resolution string
	StderrTail string
	cause      error
}

func (e EncoderError) Error() string { return "EncoderError: " + e.Resolution }
func (e EncoderError) Unwrap() error { return e.cause }
func (e EncoderError) Detail() string {
	if e.StderrTail == "" && e.cause != nil {
		return e.cause.Error()
	}
	return e.StderrTail
}

func NewEncoderError(resolution, stderrTail string, cause error) error {
	return EncoderError{Resolution: resolution, StderrTail: stderrTail, cause: cause}
}

// Unretriable wraps an error to mark it as final for backoff retry loops.
func Unretriable(err error) error {
	return backoff.Permanent(err)
}

// IsUnretriable reports whether retrying can ever help with err. Missing
// objects stay missing, so they count as unretriable without the wrapper.
func IsUnretriable(err error) bool {
	var permErr *backoff.PermanentError
	return errors.As(err, &permErr) || IsObjectNotFound(err)
}
