package handlers

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/julienschmidt/httprouter"
	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/metrics"
	"github.com/pixelmill/transcode-api/requests"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/MP2T"
	segmentCacheControl = "public, max-age=31536000"

	// playlists are tiny; cap reads defensively
	maxPlaylistBytes = 1 << 20
)

var segmentNameRE = regexp.MustCompile(`^segment\d+\.ts$`)

// HLSHandlersCollection serves playback from the private bucket: playlists
// are rewritten on the fly so their URIs point back at this proxy, segments
// are streamed through without buffering.
type HLSHandlersCollection struct {
	ObjectStore ObjectStore
	APIBase     string
}

// Handle dispatches `/hls/{prefix}/*`:
//
//	master.m3u8            rewritten master playlist
//	{tag}/playlist.m3u8    rewritten variant playlist
//	{tag}/segment{N}.ts    streamed segment
func (d *HLSHandlersCollection) Handle() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		prefix := params.ByName("prefix")
		file := strings.TrimPrefix(params.ByName("file"), "/")

		if file == "master.m3u8" {
			d.serveMaster(w, req, prefix)
			return
		}
		parts := strings.Split(file, "/")
		if len(parts) == 2 && parts[1] == "playlist.m3u8" {
			d.serveVariant(w, req, prefix, parts[0])
			return
		}
		if len(parts) == 2 && segmentNameRE.MatchString(parts[1]) {
			d.serveSegment(w, req, prefix, parts[0], parts[1])
			return
		}
		errors.WriteHTTPNotFound(w, "Not found", nil)
	}
}

// serveMaster rewrites each relative variant URI `{tag}/index.m3u8` to an
// absolute `{base}/hls/{prefix}/{tag}/playlist.m3u8`. Already-absolute URIs
// pass through untouched, which makes the rewrite idempotent.
func (d *HLSHandlersCollection) serveMaster(w http.ResponseWriter, req *http.Request, prefix string) {
	start := time.Now()
	body, ok := d.fetchPlaylist(w, req, prefix+"/master.m3u8")
	if !ok {
		return
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(body), true)
	if err != nil || listType != m3u8.MASTER {
		writeHLSError(w, req, "Invalid master playlist", err)
		return
	}
	master := playlist.(*m3u8.MasterPlaylist)
	for _, variant := range master.Variants {
		if variant == nil || strings.Contains(variant.URI, "://") {
			continue
		}
		tag := strings.SplitN(variant.URI, "/", 2)[0]
		variant.URI = fmt.Sprintf("%s/hls/%s/%s/playlist.m3u8", d.APIBase, prefix, tag)
	}

	metrics.Metrics.PlaylistRewriteDurationSec.Observe(time.Since(start).Seconds())
	writePlaylist(w, req, master.Encode().String())
}

// serveVariant rewrites bare `segment{N}.ts` lines of the stored variant
// playlist to absolute segment URLs. Everything else, the `#EXT` tags in
// particular, is passed through byte for byte.
func (d *HLSHandlersCollection) serveVariant(w http.ResponseWriter, req *http.Request, prefix, tag string) {
	start := time.Now()
	body, ok := d.fetchPlaylist(w, req, fmt.Sprintf("%s/%s/index.m3u8", prefix, tag))
	if !ok {
		return
	}

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if segmentNameRE.MatchString(line) {
			lines[i] = fmt.Sprintf("%s/hls/%s/%s/%s", d.APIBase, prefix, tag, line)
		}
	}

	metrics.Metrics.PlaylistRewriteDurationSec.Observe(time.Since(start).Seconds())
	writePlaylist(w, req, strings.Join(lines, "\n"))
}

// serveSegment streams one segment object straight to the response. Range
// headers are forwarded to the object store; a cancelled request context
// cancels the upstream read.
func (d *HLSHandlersCollection) serveSegment(w http.ResponseWriter, req *http.Request, prefix, tag, segment string) {
	key := fmt.Sprintf("%s/%s/%s", prefix, tag, segment)
	obj, err := d.ObjectStore.GetStream(req.Context(), key, req.Header.Get("Range"))
	if err != nil {
		writeHLSError(w, req, "Cannot fetch segment", err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", segmentCacheControl)
	if obj.ETag != "" {
		w.Header().Set("ETag", obj.ETag)
	}
	if obj.ContentRange != "" {
		w.Header().Set("Content-Range", obj.ContentRange)
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.Copy(w, obj.Body)
	metrics.Metrics.SegmentBytesProxied.Add(float64(n))
	if err != nil {
		// usually the player closing the connection mid-segment
		log.Log(requests.GetRequestId(req), "segment stream interrupted", "key", key, "written", n, "err", err)
	}
}

func (d *HLSHandlersCollection) fetchPlaylist(w http.ResponseWriter, req *http.Request, key string) (string, bool) {
	obj, err := d.ObjectStore.GetStream(req.Context(), key, "")
	if err != nil {
		writeHLSError(w, req, "Cannot fetch playlist", err)
		return "", false
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(io.LimitReader(obj.Body, maxPlaylistBytes))
	if err != nil {
		writeHLSError(w, req, "Cannot read playlist", err)
		return "", false
	}
	return string(body), true
}

func writePlaylist(w http.ResponseWriter, req *http.Request, content string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	if _, err := io.WriteString(w, content); err != nil {
		log.LogError(requests.GetRequestId(req), "error writing playlist", err)
	}
}

func writeHLSError(w http.ResponseWriter, req *http.Request, msg string, err error) {
	log.LogError(requests.GetRequestId(req), msg, err, "url", req.URL)
	if errors.IsObjectNotFound(err) {
		errors.WriteHTTPNotFound(w, msg, err)
		return
	}
	errors.WriteHTTPBadGateway(w, msg, err)
}
