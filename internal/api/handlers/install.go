package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/botpanel/internal/install"
	"github.com/narvanalabs/botpanel/internal/models"
)

// Installer runs dependency installs.
type Installer interface {
	Start(name string, runtime models.RuntimeKind) (string, error)
	Session(id string) (*install.Session, error)
}

// InstallHandler serves dependency install routes.
type InstallHandler struct {
	installer Installer
	logger    *slog.Logger
}

// NewInstallHandler creates a new install handler.
func NewInstallHandler(installer Installer, logger *slog.Logger) *InstallHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstallHandler{installer: installer, logger: logger}
}

// InstallRequest is the body of POST /install_dependencies.
type InstallRequest struct {
	Name    string             `json:"name"`
	Runtime models.RuntimeKind `json:"runtime,omitempty"`
}

// InstallResponse acknowledges a started install.
type InstallResponse struct {
	Status  string `json:"status"`
	Session string `json:"session"`
}

// Start handles POST /install_dependencies. Output arrives over the push
// channel; the response only carries the session ID.
func (h *InstallHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, r, "name is required")
		return
	}

	id, err := h.installer.Start(req.Name, req.Runtime)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, InstallResponse{Status: "started", Session: id})
}

// Session handles GET /install_dependencies/{session}.
func (h *InstallHandler) Session(w http.ResponseWriter, r *http.Request) {
	s, err := h.installer.Session(chi.URLParam(r, "session"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.Status())
}
