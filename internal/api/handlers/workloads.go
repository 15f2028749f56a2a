package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/botpanel/internal/deploy"
	"github.com/narvanalabs/botpanel/internal/events"
	"github.com/narvanalabs/botpanel/internal/logs"
	"github.com/narvanalabs/botpanel/internal/models"
)

// WorkloadSource reads the workload table.
type WorkloadSource interface {
	List() []*models.Workload
	Get(name string) (*models.Workload, error)
}

// Controller applies control actions to workloads.
type Controller interface {
	Control(ctx context.Context, name string, action models.Action) error
}

// StatusSource produces host and workload snapshots.
type StatusSource interface {
	Snapshot() *models.StatusSnapshot
}

// LogTailer reads the end of a workload's log files.
type LogTailer interface {
	Tail(name string, stream models.LogStream, n int) ([]models.LogLine, error)
}

// WorkloadHandler serves workload queries and control actions.
type WorkloadHandler struct {
	workloads  WorkloadSource
	controller Controller
	status     StatusSource
	logs       LogTailer
	publisher  Publisher
	logger     *slog.Logger
}

// NewWorkloadHandler creates a new workload handler. publisher may be nil.
func NewWorkloadHandler(workloads WorkloadSource, controller Controller, status StatusSource, tailer LogTailer, publisher Publisher, logger *slog.Logger) *WorkloadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkloadHandler{
		workloads:  workloads,
		controller: controller,
		status:     status,
		logs:       tailer,
		publisher:  publisher,
		logger:     logger,
	}
}

// Status handles GET /status.
func (h *WorkloadHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.status.Snapshot()
	if snap.Workloads == nil {
		snap.Workloads = []*models.Workload{}
	}
	WriteJSON(w, http.StatusOK, snap)
}

// List handles GET /workloads.
func (h *WorkloadHandler) List(w http.ResponseWriter, r *http.Request) {
	ws := h.workloads.List()
	if ws == nil {
		ws = []*models.Workload{}
	}
	WriteJSON(w, http.StatusOK, ws)
}

// Get handles GET /workloads/{name}.
func (h *WorkloadHandler) Get(w http.ResponseWriter, r *http.Request) {
	wl, err := h.workloads.Get(chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, wl)
}

// ControlRequest is the body of POST /control.
type ControlRequest struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// Control handles POST /control.
func (h *WorkloadHandler) Control(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, r, "name is required")
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	if err := h.controller.Control(r.Context(), req.Name, action); err != nil {
		h.publishResult(req.Name, action, events.StatusError, deploy.UserMessage(err), string(deploy.KindOf(err)))
		WriteError(w, r, h.logger, err)
		return
	}

	msg := deploy.ActionMessage(req.Name, action)
	h.publishResult(req.Name, action, events.StatusSuccess, msg, "")
	WriteJSON(w, http.StatusOK, StatusResponse{Status: events.StatusSuccess, Message: msg})
}

func (h *WorkloadHandler) publishResult(name string, action models.Action, status, msg, code string) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(events.Event{Type: events.TypeActionResult, Data: events.ActionResult{
		Name:    name,
		Action:  action,
		Status:  status,
		Message: msg,
		Code:    code,
	}})
}

// LogsResponse is the body of GET /workloads/{name}/logs.
type LogsResponse struct {
	Name   string           `json:"name"`
	Stream models.LogStream `json:"stream"`
	Lines  []models.LogLine `json:"lines"`
}

// Logs handles GET /workloads/{name}/logs?lines=N&stream=out|err.
func (h *WorkloadHandler) Logs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := intQuery(r, "lines", logs.DefaultReplayLines)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	stream := models.LogStream(r.URL.Query().Get("stream"))
	if stream == "" {
		stream = models.LogStreamOut
	}

	lines, err := h.logs.Tail(name, stream, n)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if lines == nil {
		lines = []models.LogLine{}
	}
	WriteJSON(w, http.StatusOK, LogsResponse{Name: name, Stream: stream, Lines: lines})
}
