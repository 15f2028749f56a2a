package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/botpanel/internal/api/errors"
	"github.com/narvanalabs/botpanel/internal/archive"
	"github.com/narvanalabs/botpanel/internal/files"
)

// FileManager performs sandboxed file operations for one workload.
type FileManager interface {
	List(name, dir string) ([]files.Entry, error)
	Read(name, file string) ([]byte, error)
	Write(name, file string, data []byte) error
	Mkdir(name, dir string) error
	Delete(name, p string) error
	Upload(name, dir, filename string, r io.Reader) (*files.Entry, error)
	Extract(ctx context.Context, name, zipFile string) (*archive.Result, error)
}

// FilesHandler serves the file manager routes.
type FilesHandler struct {
	files    FileManager
	maxBytes int64
	logger   *slog.Logger
}

// NewFilesHandler creates a new files handler. maxBytes bounds request
// bodies for writes and uploads.
func NewFilesHandler(fm FileManager, maxBytes int64, logger *slog.Logger) *FilesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = files.DefaultMaxUploadBytes
	}
	return &FilesHandler{files: fm, maxBytes: maxBytes, logger: logger}
}

// PathRequest is the body of mkdir and extract requests.
type PathRequest struct {
	Path string `json:"path"`
}

// ListResponse is the body of a directory listing.
type ListResponse struct {
	Path    string        `json:"path"`
	Entries []files.Entry `json:"entries"`
}

// List handles GET /files/{name}?path=.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	entries, err := h.files.List(chi.URLParam(r, "name"), dir)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []files.Entry{}
	}
	WriteJSON(w, http.StatusOK, ListResponse{Path: dir, Entries: entries})
}

// Read handles GET /files/{name}/content?path=.
func (h *FilesHandler) Read(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		WriteBadRequest(w, r, "path is required")
		return
	}
	data, err := h.files.Read(chi.URLParam(r, "name"), p)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Write handles PUT /files/{name}/content?path=. The body is the new file
// content.
func (h *FilesHandler) Write(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		WriteBadRequest(w, r, "path is required")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		h.bodyError(w, r, err)
		return
	}
	if err := h.files.Write(chi.URLParam(r, "name"), p, data); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: fmt.Sprintf("%s saved", p)})
}

// Mkdir handles POST /files/{name}/mkdir.
func (h *FilesHandler) Mkdir(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if err := h.files.Mkdir(chi.URLParam(r, "name"), req.Path); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, StatusResponse{Status: "success", Message: fmt.Sprintf("%s created", req.Path)})
}

// Delete handles DELETE /files/{name}?path=.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		WriteBadRequest(w, r, "path is required")
		return
	}
	if err := h.files.Delete(chi.URLParam(r, "name"), p); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: fmt.Sprintf("%s deleted", p)})
}

// Upload handles POST /files/{name}/upload?path=. The first file part of the
// multipart body is streamed into the target directory.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		WriteBadRequest(w, r, "expected a multipart form upload")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			WriteBadRequest(w, r, "file is required")
			return
		}
		if err != nil {
			h.bodyError(w, r, err)
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		entry, err := h.files.Upload(chi.URLParam(r, "name"), r.URL.Query().Get("path"), part.FileName(), part)
		part.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				h.bodyError(w, r, err)
				return
			}
			WriteError(w, r, h.logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, entry)
		return
	}
}

// ExtractResponse is the body of a successful in-place extraction.
type ExtractResponse struct {
	Status string `json:"status"`
	Files  int    `json:"files"`
	Bytes  int64  `json:"bytes"`
}

// Extract handles POST /files/{name}/extract.
func (h *FilesHandler) Extract(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Path == "" {
		WriteBadRequest(w, r, "path is required")
		return
	}
	res, err := h.files.Extract(r.Context(), chi.URLParam(r, "name"), req.Path)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, ExtractResponse{Status: "success", Files: res.Files, Bytes: res.Bytes})
}

func (h *FilesHandler) bodyError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		WriteError(w, r, h.logger, apierrors.New(apierrors.CodePayloadTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)))
		return
	}
	WriteBadRequest(w, r, "reading request body failed")
}
