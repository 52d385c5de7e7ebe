package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"phaseline/internal/engine"
)

// KeepAlive is the interval of comment frames on idle streams.
var KeepAlive = 30 * time.Second

// registerStream serves a project's activity as server-sent events. Each
// frame carries the entry seq as its id so a reconnecting client resumes
// with Last-Event-ID.
func registerStream(r chi.Router, basePath string, e engine.Engine, logger *zap.Logger) {
	r.Get(path.Join(basePath, "projects/{project_id}/events/stream"), func(w http.ResponseWriter, req *http.Request) {
		projectID := chi.URLParam(req, "project_id")
		from, err := streamStart(req)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		sub, err := e.Subscribe(req.Context(), projectID, from)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer sub.Close()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ping := time.NewTicker(KeepAlive)
		defer ping.Stop()
		for {
			select {
			case <-req.Context().Done():
				return
			case <-ping.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case entry, ok := <-sub.C:
				if !ok {
					if err := sub.Err(); err != nil {
						logger.Warn("activity stream ended", zap.String("project_id", projectID), zap.Error(err))
						data, _ := json.Marshal(map[string]string{"message": err.Error()})
						fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
						flusher.Flush()
					}
					return
				}
				data, err := json.Marshal(entry)
				if err != nil {
					logger.Error("encode activity entry", zap.Error(err))
					return
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", entry.Seq, entry.Kind, data)
				flusher.Flush()
			}
		}
	})
}

// streamStart reads the first seq to send. Last-Event-ID wins over from_seq,
// and from_seq=0 replays from the start like the paged endpoint.
func streamStart(req *http.Request) (int64, error) {
	if last := strings.TrimSpace(req.Header.Get("Last-Event-ID")); last != "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Last-Event-ID %q", last)
		}
		return n + 1, nil
	}
	if v := req.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid from_seq %q", v)
		}
		return max(n, 1), nil
	}
	return 1, nil
}
