// Package api implements the request dispatcher of spec.md §6.1: a thin
// façade translating HTTP request payloads into registry/sandbox
// operations and mapping sandbox errors onto status codes. It is
// deliberately thin — all real logic lives in internal/sandbox and
// internal/registry.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shellforge/sandboxd/internal/registry"
	"github.com/shellforge/sandboxd/internal/sandbox"
)

// Handler holds the registry the dispatcher operates against.
type Handler struct {
	registry *registry.Registry
}

// New constructs a Handler over reg.
func New(reg *registry.Registry) *Handler {
	return &Handler{registry: reg}
}

// Routes mounts the sandbox request surface on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sandboxes", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/start", h.start)
			r.Post("/exec", h.exec)
			r.Get("/trajectory", h.trajectory)
			r.Get("/trajectory/formatted", h.trajectoryFormatted)
			r.Post("/stop", h.stop)
			r.Get("/terminal/ws", h.terminalWS)
		})
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeSandboxError maps a sandbox.Error (or registry.ErrNotFound) to the
// status-code table of spec.md §6.1.
func (h *Handler) writeSandboxError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}

	var sbErr *sandbox.Error
	if errors.As(err, &sbErr) {
		h.writeError(w, sbErr.StatusCode(), sbErr.Error())
		return
	}

	h.writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.registry.Create(req.Image, req.SetupCommands)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, CreateResponse{ID: id})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()
	out := make([]SandboxInfo, len(infos))
	for i, info := range infos {
		out[i] = SandboxInfo{
			ID:                     info.ID,
			Image:                  info.Image,
			SetupCommands:          info.SetupCommand,
			Status:                 statusString(info.Status),
			SessionCommandCount:    info.SessionCommandCount,
			LastStandaloneExitCode: info.LastStandaloneExitCode,
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Start(r.Context(), id); err != nil {
		h.writeSandboxError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nil)
}

func (h *Handler) exec(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.registry.Exec(r.Context(), id, req.Command, req.Standalone)
	if err != nil {
		h.writeSandboxError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ExecResponse{
		Output:   result.Output,
		ExitCode: result.ExitCode,
		Exited:   result.Exited,
	})
}

func (h *Handler) trajectory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := h.registry.Trajectory(id)
	if err != nil {
		h.writeSandboxError(w, err)
		return
	}

	views := make([]TrajectoryEntryView, len(entries))
	for i, e := range entries {
		v := TrajectoryEntryView{Index: e.Index, Command: e.Command, Timestamp: e.TimestampSinceStartSec}
		if e.Result != nil {
			v.Result = &TrajectoryResultView{Output: e.Result.Output, ExitCode: e.Result.ExitCode}
		}
		views[i] = v
	}

	h.writeJSON(w, http.StatusOK, TrajectoryResponse{
		SandboxID:    id,
		CommandCount: len(views),
		Trajectory:   views,
	})
}

func (h *Handler) trajectoryFormatted(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	formatted, err := h.registry.TrajectoryFormatted(id)
	if err != nil {
		h.writeSandboxError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(formatted))
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req StopRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.registry.Stop(r.Context(), id, req.Remove); err != nil {
		h.writeSandboxError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nil)
}
