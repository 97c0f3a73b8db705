package requests

import (
	"net/http"

	"github.com/pixelmill/transcode-api/config"
)

const requestIDHeader = "X-Request-ID"

func GetRequestId(req *http.Request) string {
	requestID := req.Header.Get(requestIDHeader)
	if requestID != "" {
		return requestID
	}
	requestID = config.RandomTrailer(8)
	req.Header.Set(requestIDHeader, requestID)
	return requestID
}
