package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/port"
	"github.com/chiwei-platform/fleetform/internal/service"
)

type LogHandler struct {
	svc *service.AppsService
}

func NewLogHandler(svc *service.AppsService) *LogHandler {
	return &LogHandler{svc: svc}
}

// Get handles GET /apps/{appName}/logs/{serviceName}?since=<ISO>&asAttachment=true,
// negotiating a paged text batch or an SSE follow stream.
func (h *LogHandler) Get(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "appName")
	serviceName := chi.URLParam(r, "serviceName")

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid since: %v", domain.ErrInvalidPayload, err))
			return
		}
		since = &t
	}

	follow := wantsSSE(r)
	lines, err := h.svc.StreamLogs(r.Context(), appName, serviceName, since, follow)
	if err != nil {
		writeError(w, err)
		return
	}

	if follow {
		h.streamFollow(w, r, lines)
		return
	}
	h.writeBatch(w, r, appName, serviceName, lines)
}

func (h *LogHandler) streamFollow(w http.ResponseWriter, r *http.Request, lines <-chan port.LogLine) {
	setSSEHeaders(w)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			payload, err := json.Marshal(line)
			if err != nil {
				return
			}
			if !writeSSE(w, payload) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeBatch drains the (bounded, non-follow) channel fully before writing
// so the Link paging header, computed from the last line seen, can still be
// set before the body is flushed.
func (h *LogHandler) writeBatch(w http.ResponseWriter, r *http.Request, appName, serviceName string, lines <-chan port.LogLine) {
	var buf bytes.Buffer
	var last time.Time
	var have bool
	for line := range lines {
		have = true
		last = line.Timestamp
		fmt.Fprintf(&buf, "%s %s\n", line.Timestamp.Format(time.RFC3339), line.Line)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if r.URL.Query().Get("asAttachment") == "true" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", serviceName+".log"))
	}
	if have {
		next := fmt.Sprintf("/apps/%s/logs/%s?since=%s", appName, serviceName, last.Add(time.Nanosecond).Format(time.RFC3339))
		w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"next\"", next))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
