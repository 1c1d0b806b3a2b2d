package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

var allowedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".json":     true,
	".txt":      true,
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", ext), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > maxUploadBytes {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", maxUploadBytes), http.StatusRequestEntityTooLarge)
		return
	}

	job := newJob(filename, data)
	if err := s.runner.Submit(job); err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"filename": job.Filename,
		"status":   job.Status,
		"poll_url": "/jobs/" + job.ID,
	})
}

// processJob indexes an uploaded file on a worker goroutine.
func (s *Server) processJob(ctx context.Context, job *Job) {
	pipeline := s.pipeline(s.cfg.Get())

	var chunks int
	var err error
	if strings.EqualFold(filepath.Ext(job.Filename), ".json") {
		chunks, err = pipeline.IndexJSON(ctx, job.Data(), job.Filename)
	} else {
		chunks, err = pipeline.IndexText(ctx, string(job.Data()), job.Filename, 0)
	}
	if err != nil {
		s.log.Warn("upload job failed", "job_id", job.ID, "filename", job.Filename, "error", err)
		job.fail(err)
		return
	}
	job.complete(chunks)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.runner.Jobs()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.runner.Job(chi.URLParam(r, "jobID"))
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.runner.DeleteJob(chi.URLParam(r, "jobID")) {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// outlineEntry is one heading in a rendered document outline.
type outlineEntry struct {
	Title string `json:"title"`
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// handlePreview renders an uploaded markdown file to HTML with a heading
// outline. Only markdown uploads can be previewed.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	job := s.runner.Job(chi.URLParam(r, "jobID"))
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}

	ext := strings.ToLower(filepath.Ext(job.Filename))
	if ext != ".md" && ext != ".markdown" {
		jsonError(w, "preview is only available for markdown uploads", http.StatusBadRequest)
		return
	}

	source := job.Data()
	md := goldmark.New(goldmark.WithParserOptions(parser.WithAutoHeadingID()))

	doc := md.Parser().Parse(text.NewReader(source))
	tree, err := toc.Inspect(doc, source, toc.Compact(true))
	if err != nil {
		jsonError(w, "outline failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var html bytes.Buffer
	if err := md.Convert(source, &html); err != nil {
		jsonError(w, "render failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filename": job.Filename,
		"html":     html.String(),
		"outline":  flattenOutline(tree.Items, 1),
	})
}

func flattenOutline(items toc.Items, level int) []outlineEntry {
	out := []outlineEntry{}
	for _, item := range items {
		out = append(out, outlineEntry{
			Title: string(item.Title),
			ID:    string(item.ID),
			Level: level,
		})
		out = append(out, flattenOutline(item.Items, level+1)...)
	}
	return out
}

// sanitizeFilename strips path components so uploads cannot escape into
// arbitrary ids.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
