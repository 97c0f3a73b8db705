package handlers

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pixelmill/transcode-api/clients"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/queue"
)

// ObjectStore is the slice of the object store adapter the HTTP surface
// needs: storing uploads and opening stored playlists and segments.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Head(ctx context.Context, key string) (*clients.Object, error)
	GetStream(ctx context.Context, key, byteRange string) (*clients.Object, error)
}

// TranscodeAPIHandlersCollection is the admission API: uploads in, job
// lifecycle queries and mutations out. APIBase is the public base URL
// including the /api/upload mount, used when building status URLs.
type TranscodeAPIHandlersCollection struct {
	Store          jobstore.Store
	Scheduler      *queue.Scheduler
	ObjectStore    ObjectStore
	APIBase        string
	MaxSourceBytes int64
}

func (d *TranscodeAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}
