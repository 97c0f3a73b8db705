package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func hlsParams(prefix, file string) httprouter.Params {
	return httprouter.Params{
		{Key: "prefix", Value: prefix},
		{Key: "file", Value: "/" + file},
	}
}

func newHLSCollection() (*HLSHandlersCollection, *stubObjectStore) {
	objectStore := newStubObjectStore()
	return &HLSHandlersCollection{ObjectStore: objectStore, APIBase: testAPIBase}, objectStore
}

func TestServeMasterRewritesVariantURIs(t *testing.T) {
	d, objectStore := newHLSCollection()
	objectStore.put("abc-lesson/master.m3u8", []byte("#EXTM3U\n"+
		"#EXT-X-VERSION:3\n"+
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=896000,RESOLUTION=640x360\n"+
		"360p/index.m3u8\n"+
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1528000,RESOLUTION=854x480\n"+
		"480p/index.m3u8\n"), "application/vnd.apple.mpegurl")

	rr := httptest.NewRecorder()
	d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/master.m3u8", nil), hlsParams("abc-lesson", "master.m3u8"))

	require.Equal(t, http.StatusOK, rr.Result().StatusCode)
	require.Equal(t, playlistContentType, rr.Result().Header.Get("Content-Type"))
	body := rr.Body.String()
	require.Contains(t, body, testAPIBase+"/hls/abc-lesson/360p/playlist.m3u8")
	require.Contains(t, body, testAPIBase+"/hls/abc-lesson/480p/playlist.m3u8")
	require.NotContains(t, body, "index.m3u8")
	require.Contains(t, body, "BANDWIDTH=896000")
}

func TestServeMasterLeavesAbsoluteURIs(t *testing.T) {
	d, objectStore := newHLSCollection()
	absolute := testAPIBase + "/hls/abc-lesson/360p/playlist.m3u8"
	objectStore.put("abc-lesson/master.m3u8", []byte("#EXTM3U\n"+
		"#EXT-X-VERSION:3\n"+
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=896000,RESOLUTION=640x360\n"+
		absolute+"\n"), "application/vnd.apple.mpegurl")

	rr := httptest.NewRecorder()
	d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/master.m3u8", nil), hlsParams("abc-lesson", "master.m3u8"))

	require.Equal(t, http.StatusOK, rr.Result().StatusCode)
	require.Contains(t, rr.Body.String(), absolute)
}

func TestServeMasterRejectsInvalidPlaylist(t *testing.T) {
	d, objectStore := newHLSCollection()
	objectStore.put("abc-lesson/master.m3u8", []byte("not a playlist"), "text/plain")

	rr := httptest.NewRecorder()
	d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/master.m3u8", nil), hlsParams("abc-lesson", "master.m3u8"))

	require.Equal(t, http.StatusBadGateway, rr.Result().StatusCode)
}

func TestServeMasterNotFound(t *testing.T) {
	d, _ := newHLSCollection()

	rr := httptest.NewRecorder()
	d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/master.m3u8", nil), hlsParams("abc-lesson", "master.m3u8"))

	require.Equal(t, http.StatusNotFound, rr.Result().StatusCode)
}

func TestServeVariantRewritesSegmentLinesOnly(t *testing.T) {
	d, objectStore := newHLSCollection()
	objectStore.put("abc-lesson/360p/index.m3u8", []byte("#EXTM3U\n"+
		"#EXT-X-VERSION:3\n"+
		"#EXT-X-TARGETDURATION:15\n"+
		"#EXTINF:15.000000,\n"+
		"segment000.ts\n"+
		"#EXTINF:11.433333,\n"+
		"segment001.ts\n"+
		"#EXT-X-ENDLIST\n"), "application/vnd.apple.mpegurl")

	rr := httptest.NewRecorder()
	d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/360p/playlist.m3u8", nil), hlsParams("abc-lesson", "360p/playlist.m3u8"))

	require.Equal(t, http.StatusOK, rr.Result().StatusCode)
	// everything except the segment lines passes through byte for byte
	require.Equal(t, "#EXTM3U\n"+
		"#EXT-X-VERSION:3\n"+
		"#EXT-X-TARGETDURATION:15\n"+
		"#EXTINF:15.000000,\n"+
		testAPIBase+"/hls/abc-lesson/360p/segment000.ts\n"+
		"#EXTINF:11.433333,\n"+
		testAPIBase+"/hls/abc-lesson/360p/segment001.ts\n"+
		"#EXT-X-ENDLIST\n", rr.Body.String())
}

func TestServeSegmentStreamsBody(t *testing.T) {
	d, objectStore := newHLSCollection()
	objectStore.put("abc-lesson/360p/segment000.ts", []byte("0123456789abcdef"), "video/MP2T")

	rr := httptest.NewRecorder()
	d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/360p/segment000.ts", nil), hlsParams("abc-lesson", "360p/segment000.ts"))

	resp := rr.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, segmentContentType, resp.Header.Get("Content-Type"))
	require.Equal(t, segmentCacheControl, resp.Header.Get("Cache-Control"))
	require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", string(body))
}

func TestServeSegmentForwardsRange(t *testing.T) {
	d, objectStore := newHLSCollection()
	objectStore.put("abc-lesson/360p/segment000.ts", []byte("0123456789abcdef"), "video/MP2T")

	req := httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/360p/segment000.ts", nil)
	req.Header.Set("Range", "bytes=0-3")
	rr := httptest.NewRecorder()
	d.Handle()(rr, req, hlsParams("abc-lesson", "360p/segment000.ts"))

	resp := rr.Result()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "bytes 0-3/16", resp.Header.Get("Content-Range"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "0123", string(body))
}

func TestServeSegmentNotFound(t *testing.T) {
	d, _ := newHLSCollection()

	rr := httptest.NewRecorder()
	d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/360p/segment000.ts", nil), hlsParams("abc-lesson", "360p/segment000.ts"))

	require.Equal(t, http.StatusNotFound, rr.Result().StatusCode)
	require.True(t, strings.HasPrefix(rr.Result().Header.Get("Content-Type"), "application/json"))
}

func TestHandleRejectsUnknownPaths(t *testing.T) {
	d, objectStore := newHLSCollection()
	objectStore.put("abc-lesson/360p/notes.txt", []byte("nope"), "text/plain")

	for name, file := range map[string]string{
		"non-segment file":  "360p/notes.txt",
		"too deep":          "360p/x/segment000.ts",
		"top level segment": "segment000.ts",
		"traversal":         "../other/master.m3u8",
	} {
		rr := httptest.NewRecorder()
		d.Handle()(rr, httptest.NewRequest("GET", "/api/upload/hls/abc-lesson/x", nil), hlsParams("abc-lesson", file))
		require.Equal(t, http.StatusNotFound, rr.Result().StatusCode, name)
	}
}
