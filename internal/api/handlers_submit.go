package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dgallion1/codecollect/internal/archive"
	"github.com/dgallion1/codecollect/internal/collect"
	"github.com/dgallion1/codecollect/internal/pdfsplit"
	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/split"
)

// upload parses the multipart form and returns the "file" part.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, ext string) (multipart.File, *multipart.FileHeader, bool) {
	// Limit total request size, with 1MB extra for form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			jsonError(w, fmt.Sprintf("upload exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
			return nil, nil, false
		}
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		r.MultipartForm.RemoveAll()
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ext) {
		file.Close()
		r.MultipartForm.RemoveAll()
		jsonError(w, fmt.Sprintf("expected a %s file, got %q", ext, sanitizeFilename(header.Filename)), http.StatusBadRequest)
		return nil, nil, false
	}
	if header.Size > s.cfg.MaxUploadBytes {
		file.Close()
		r.MultipartForm.RemoveAll()
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
		return nil, nil, false
	}
	return file, header, true
}

// sizeLimit reads max_size_mb, falling back to the configured default.
func (s *Server) sizeLimit(r *http.Request) (int64, error) {
	mb := s.cfg.DefaultMaxSizeMB
	if v := r.FormValue("max_size_mb"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("max_size_mb must be a number, got %q", v)
		}
		mb = n
	}
	limit, err := split.LimitFromMB(mb)
	if err != nil {
		return 0, fmt.Errorf("max_size_mb: %w", err)
	}
	return limit, nil
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.upload(w, r, ".zip")
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()
	defer file.Close()

	limit, err := s.sizeLimit(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cats, err := collect.ParseCategories(r.FormValue("categories"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	prefix := outputPrefix(r.FormValue("prefix"), header.Filename)

	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		jsonError(w, "failed to prepare work dir", http.StatusInternalServerError)
		return
	}
	dest, err := os.MkdirTemp(s.cfg.WorkDir, "upload-*")
	if err != nil {
		jsonError(w, "failed to prepare work dir", http.StatusInternalServerError)
		return
	}
	cleanup := func() { os.RemoveAll(dest) }

	n, err := archive.Extract(file, header.Size, dest, s.cfg.MaxExtractBytes)
	if err != nil {
		cleanup()
		code := http.StatusBadRequest
		if errors.Is(err, archive.ErrTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		jsonError(w, "invalid archive: "+err.Error(), code)
		return
	}
	s.log.Info("extracted upload", "filename", sanitizeFilename(header.Filename), "files", n)

	job := pipeline.NewCollectJob(pipeline.CollectOptions{
		Root:        archive.TopLevelDir(dest),
		Prefix:      prefix,
		MaxBytes:    limit,
		Categories:  cats,
		Machine:     formBool(r, "machine"),
		Structure:   formBool(r, "structure"),
		Documents:   formBool(r, "documents"),
		FailFast:    formBool(r, "fail_fast"),
		Concurrency: s.cfg.RenderConcurrency,
		Filter:      s.filter(),
		Cleanup:     cleanup,
	}, s.store, s.metrics, s.log)

	s.submit(w, job)
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.upload(w, r, ".pdf")
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()
	defer file.Close()

	limit, err := s.sizeLimit(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if !strings.HasPrefix(string(data[:min(len(data), 5)]), "%PDF-") {
		jsonError(w, "file is not a PDF", http.StatusBadRequest)
		return
	}

	job := pipeline.NewSplitJob(pipeline.SplitOptions{
		Data:     data,
		Prefix:   outputPrefix(r.FormValue("prefix"), header.Filename),
		MaxBytes: limit,
		Optimize: formBool(r, "optimize"),
	}, s.store, s.metrics, s.log)

	s.submit(w, job)
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	id, err := s.orchestrator.Submit(job)
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"task_id":     id,
		"status":      pipeline.StatusPending,
		"status_url":  fmt.Sprintf("/api/tasks/%s", id),
		"events_url":  fmt.Sprintf("/api/tasks/%s/events", id),
		"result_page": fmt.Sprintf("/tasks/%s", id),
	})
}

// handleScan lists excluded directories present in an uploaded archive and
// how many files per category would be collected, without extracting it.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.upload(w, r, ".zip")
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()
	defer file.Close()

	names, err := archive.Names(file, header.Size)
	if err != nil {
		jsonError(w, "invalid archive: "+err.Error(), http.StatusBadRequest)
		return
	}

	f := s.filter()
	f.Documents = formBool(r, "documents")
	counts := f.CountByCategory(names)
	files := make(map[string]int, len(collect.Categories))
	for _, c := range collect.Categories {
		files[string(c)] = counts[c]
	}
	excludable := f.DetectExcludable(names)
	if excludable == nil {
		excludable = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries":    len(names),
		"excludable": excludable,
		"files":      files,
	})
}

func (s *Server) filter() collect.Filter {
	f := collect.DefaultFilter()
	if s.cfg.MaxFileBytes > 0 {
		f.MaxFileBytes = s.cfg.MaxFileBytes
	}
	return f
}

func formBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.FormValue(key)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// outputPrefix picks the output file prefix from the form value, falling
// back to the uploaded file's base name.
func outputPrefix(v, filename string) string {
	if v == "" {
		v = pdfsplit.Prefix(sanitizeFilename(filename))
	}
	v = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, v)
	v = strings.Trim(v, "._")
	if v == "" {
		return "collection"
	}
	return v
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
