package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	apierrors "github.com/narvanalabs/botpanel/internal/api/errors"
	"github.com/narvanalabs/botpanel/internal/deploy"
	"github.com/narvanalabs/botpanel/internal/events"
	"github.com/narvanalabs/botpanel/internal/models"
)

const (
	// DefaultMaxUploadBytes bounds a deploy archive upload.
	DefaultMaxUploadBytes = 200 << 20
	// multipartMemory is kept in memory; the rest spills to temp files.
	multipartMemory = 32 << 20
)

// Deployer creates workloads from uploaded archives.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.DeployRequest) (*deploy.DeployResult, error)
}

// DeployHandler handles archive deployments.
type DeployHandler struct {
	deployer  Deployer
	publisher Publisher
	maxUpload int64
	logger    *slog.Logger
}

// NewDeployHandler creates a new deploy handler. publisher may be nil.
func NewDeployHandler(deployer Deployer, publisher Publisher, maxUpload int64, logger *slog.Logger) *DeployHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &DeployHandler{
		deployer:  deployer,
		publisher: publisher,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// DeployResponse is the success body of POST /deploy.
type DeployResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id"`
	Name    string `json:"name"`
}

// Deploy handles POST /deploy.
func (h *DeployHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUpload {
		h.fail(w, r, "", apierrors.New(apierrors.CodePayloadTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", h.maxUpload)))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.fail(w, r, "", apierrors.New(apierrors.CodePayloadTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", h.maxUpload)))
			return
		}
		h.fail(w, r, "", apierrors.NewValidationError("expected a multipart form upload"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := formFile(r, "archive", "zip-file")
	if err != nil {
		h.fail(w, r, "", apierrors.NewValidationError("archive file is required"))
		return
	}
	defer file.Close()

	req, err := deployRequestFromForm(r.MultipartForm)
	if err != nil {
		h.fail(w, r, req.Name, err)
		return
	}
	req.Archive = file
	req.Size = header.Size

	res, err := h.deployer.Deploy(r.Context(), req)
	if err != nil {
		h.fail(w, r, req.Name, err)
		return
	}

	msg := fmt.Sprintf("%s deployed and started", res.Name)
	h.publish(events.DeployResult{Name: res.Name, ID: res.ID, Status: events.StatusSuccess, Message: msg})
	WriteJSON(w, http.StatusOK, DeployResponse{
		Status:  events.StatusSuccess,
		Message: msg,
		ID:      res.ID,
		Name:    res.Name,
	})
}

func (h *DeployHandler) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	apiErr := apierrors.FromError(err)
	h.publish(events.DeployResult{Name: name, Status: events.StatusError, Message: apiErr.Message, Code: apiErr.Code})
	WriteError(w, r, h.logger, err)
}

func (h *DeployHandler) publish(res events.DeployResult) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(events.Event{Type: events.TypeDeployResult, Data: res})
}

// deployRequestFromForm reads the deploy fields. The runtime field accepts
// either a runtime kind or a combined "<interpreter> <entry> [args...]"
// command such as "python3 main.py".
func deployRequestFromForm(form *multipart.Form) (deploy.DeployRequest, error) {
	value := func(keys ...string) string {
		for _, k := range keys {
			if vs := form.Value[k]; len(vs) > 0 && strings.TrimSpace(vs[0]) != "" {
				return strings.TrimSpace(vs[0])
			}
		}
		return ""
	}

	req := deploy.DeployRequest{
		Name:        value("name", "bot-name"),
		EntryPoint:  value("entry_file", "entry_point"),
		Interpreter: value("interpreter"),
		Args:        form.Value["args"],
	}
	if req.Name == "" {
		return req, apierrors.NewValidationError("name is required")
	}

	runtime := value("runtime")
	switch fields := strings.Fields(runtime); {
	case len(fields) == 0:
		return req, apierrors.NewValidationError("runtime is required")
	case len(fields) == 1 && models.RuntimeKind(fields[0]).IsValid():
		req.Runtime = models.RuntimeKind(fields[0])
	default:
		req.Runtime = deploy.RuntimeFromInterpreter(fields[0])
		if req.Interpreter == "" {
			req.Interpreter = fields[0]
		}
		if len(fields) > 1 && req.EntryPoint == "" {
			req.EntryPoint = fields[1]
		}
		if len(fields) > 2 && len(req.Args) == 0 {
			req.Args = fields[2:]
		}
	}
	if req.EntryPoint == "" {
		return req, apierrors.NewValidationError("entry_file is required")
	}

	if raw := value("env"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Env); err != nil {
			return req, apierrors.NewValidationError("env must be a JSON object of strings")
		}
	}
	return req, nil
}

// formFile returns the first present file among keys.
func formFile(r *http.Request, keys ...string) (multipart.File, *multipart.FileHeader, error) {
	for _, k := range keys {
		if fhs := r.MultipartForm.File[k]; len(fhs) > 0 {
			f, err := fhs[0].Open()
			if err != nil {
				return nil, nil, err
			}
			return f, fhs[0], nil
		}
	}
	return nil, nil, http.ErrMissingFile
}
