package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/store"
)

// artifactView is an artifact with its download URL.
type artifactView struct {
	pipeline.Artifact
	URL string `json:"url"`
}

func fileURL(taskID, name string) string {
	return fmt.Sprintf("/api/tasks/%s/files/%s", taskID, name)
}

func artifactViews(taskID string, as []pipeline.Artifact) []artifactView {
	views := make([]artifactView, len(as))
	for i, a := range as {
		views[i] = artifactView{Artifact: a, URL: fileURL(taskID, a.Name)}
	}
	return views
}

// snapshot looks up the task in the URL and writes a 404 when it is unknown.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (pipeline.TaskSnapshot, bool) {
	snap, err := s.orchestrator.Registry().Get(chi.URLParam(r, "taskID"))
	if err != nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return snap, false
	}
	return snap, true
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"task_id":  snap.ID,
		"kind":     snap.Kind,
		"name":     snap.Name,
		"status":   snap.Status,
		"progress": snap.Progress,
		"message":  snap.Message,
		"log":      snap.Logs,
		"done":     snap.Done(),
		"error":    snap.Error,
		"results":  artifactViews(snap.ID, snap.Results),
	})
}

// handleEvents streams progress as server-sent events until the task
// finishes or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	events, err := s.publisher.Subscribe(r.Context(), id)
	if err != nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		if ev.Type == pipeline.EventHeartbeat {
			_, err = io.WriteString(w, ": ping\n\n")
		} else {
			var data []byte
			data, err = json.Marshal(ev)
			if err == nil {
				_, err = fmt.Fprintf(w, "data: %s\n\n", data)
			}
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			s.log.Debug("event stream closed", "task_id", id, "error", err)
			// Drain so the publisher goroutine can exit once the request
			// context is cancelled.
			for range events {
			}
			return
		}
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	switch snap.Status {
	case pipeline.StatusComplete:
	case pipeline.StatusFailed:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"status": snap.Status, "error": snap.Error})
		return
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   snap.Status,
			"progress": snap.Progress,
			"error":    "task is not complete",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"task_id": snap.ID,
		"status":  snap.Status,
		"files":   artifactViews(snap.ID, snap.Results),
		"log_url": fmt.Sprintf("/api/tasks/%s/log", snap.ID),
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	known := false
	for _, a := range snap.Results {
		if a.Name == name {
			known = true
			break
		}
	}
	if !known {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}

	rc, err := s.store.Open(r.Context(), snap.ID, name)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("open artifact", "task_id", snap.ID, "name", name, "error", err)
		jsonError(w, "failed to open file", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("download interrupted", "task_id", snap.ID, "name", name, "error", err)
	}
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	name := snap.Name + "_log.txt"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Write(pipeline.FormatLog(snap.Name, time.Now(), snap.Logs))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	err := s.orchestrator.Cancel(id)
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound):
		jsonError(w, "task not found", http.StatusNotFound)
		return
	case errors.Is(err, pipeline.ErrTaskFinished):
		jsonError(w, "task already finished", http.StatusConflict)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"task_id": id, "status": "cancelling"})
}
