package http

import (
	"net/http"
	"strconv"
	"strings"
)

const sseMediaType = "text/vnd.prevant.v2+event-stream"

// wantsSSE reports whether the client asked for the versioned SSE media
// type on GET /apps/ or a log-follow request.
func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), sseMediaType)
}

// preferAsync parses the Prefer header's respond-async[,wait=<sec>] form.
// async is false when the header is absent: the caller blocks until the
// operation completes. waitSecs is 0 unless a wait=<sec> parameter was
// given; respond-async with no wait answers 202 at once.
func preferAsync(r *http.Request) (async bool, waitSecs int) {
	header := r.Header.Get("Prefer")
	if header == "" {
		return false, 0
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "respond-async":
			async = true
		case strings.HasPrefix(part, "wait="):
			if n, err := strconv.Atoi(strings.TrimPrefix(part, "wait=")); err == nil {
				waitSecs = n
			}
		}
	}
	return async, waitSecs
}

// writeSSE writes a single SSE "message" event with a JSON payload and
// flushes it immediately, the way a coalesced eventstream.Broadcaster push
// or a single streamed log line is delivered.
func writeSSE(w http.ResponseWriter, payload []byte) bool {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return false
	}
	if _, err := w.Write([]byte("event: message\ndata: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sseMediaType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}
