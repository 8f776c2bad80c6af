package manager

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/actor"
	"github.com/manpreetbhatti/lattice-board/internal/api/respond"
	"github.com/manpreetbhatti/lattice-board/internal/config"
)

// Handler is the HTTP control surface of the room manager.
type Handler struct {
	manager *Manager
	log     logrus.FieldLogger
	mux     *http.ServeMux
}

type cleanBody struct {
	Patches []RoomPatch `json:"patches"`
}

func NewHandler(m *Manager, log logrus.FieldLogger) *Handler {
	h := &Handler{manager: m, log: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("DELETE /{$}", h.handleReset)
	h.mux.HandleFunc("GET /config", h.handleGetConfig)
	h.mux.HandleFunc("PATCH /config", h.handlePatchConfig)
	h.mux.HandleFunc("GET /clean", h.handleDryClean)
	h.mux.HandleFunc("POST /clean", h.handleClean)
	h.mux.HandleFunc("GET /rooms", h.handleListRooms)
	h.mux.HandleFunc("GET /rooms/{id}", h.handleGetRoom)
	h.mux.HandleFunc("PUT /rooms/{id}", h.handlePutRoom)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// WriteError maps manager errors to HTTP statuses.
func WriteError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		respond.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrQuotaExceeded):
		respond.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidRoomID), errors.Is(err, config.ErrInvalidTunables):
		respond.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, actor.ErrStopped):
		respond.Error(w, http.StatusServiceUnavailable, "room manager is shutting down")
	default:
		log.WithError(err).Error("room manager request failed")
		respond.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Reset(r.Context()); err != nil {
		WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.manager.Config(r.Context())
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.TunablesPatch
	if err := respond.Decode(r, &patch); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid config body")
		return
	}
	cfg, err := h.manager.UpdateConfig(r.Context(), patch)
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleDryClean(w http.ResponseWriter, r *http.Request) {
	patches, err := h.manager.DryClean(r.Context())
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, cleanBody{Patches: patches})
}

func (h *Handler) handleClean(w http.ResponseWriter, r *http.Request) {
	var body cleanBody
	if err := respond.Decode(r, &body); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid clean body")
		return
	}
	if err := h.manager.Clean(r.Context(), body.Patches); err != nil {
		WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.manager.ListRooms(r.Context())
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, rooms)
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, info)
}

func (h *Handler) handlePutRoom(w http.ResponseWriter, r *http.Request) {
	info, created, err := h.manager.CreateRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond.JSON(w, status, info)
}
