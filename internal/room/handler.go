package room

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/actor"
	"github.com/manpreetbhatti/lattice-board/internal/api/respond"
	"github.com/manpreetbhatti/lattice-board/internal/config"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
)

// Identity headers set by the routing layer on websocket requests.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserName  = "X-User-Name"
	HeaderUserImage = "X-User-Image"
)

// Conn is an accepted websocket connection.
type Conn interface {
	Socket
	// ReadLoop passes every inbound frame to onMessage and returns once the
	// connection is closed.
	ReadLoop(onMessage func(data []byte))
}

type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error)
}

// Handler is the HTTP control surface of one room actor.
type Handler struct {
	room     *Room
	upgrader Upgrader
	log      logrus.FieldLogger
	mux      *http.ServeMux
}

func NewHandler(room *Room, upgrader Upgrader, log logrus.FieldLogger) *Handler {
	h := &Handler{
		room:     room,
		upgrader: upgrader,
		log:      log.WithField("room", room.ID),
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("DELETE /{$}", h.handleDelete)
	h.mux.HandleFunc("PATCH /config", h.handleConfig)
	h.mux.HandleFunc("POST /deactivate", h.handleDeactivate)
	h.mux.HandleFunc("POST /cooldown", h.handleCooldown)
	h.mux.HandleFunc("GET /websocket", h.handleWebsocket)
	h.mux.HandleFunc("GET /objects", h.handleObjects)
	h.mux.HandleFunc("GET /stats", h.handleStats)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) actorError(w http.ResponseWriter, err error) {
	if errors.Is(err, actor.ErrStopped) {
		respond.Error(w, http.StatusServiceUnavailable, "room is shutting down")
		return
	}
	h.log.WithError(err).Error("room request failed")
	respond.Error(w, http.StatusInternalServerError, "internal error")
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.room.Delete(r.Context()); err != nil {
		h.actorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.TunablesPatch
	if err := respond.Decode(r, &patch); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid config body")
		return
	}
	cfg, err := h.room.UpdateConfig(r.Context(), patch)
	if errors.Is(err, config.ErrInvalidTunables) {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.actorError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.room.Deactivate(r.Context()); err != nil {
		h.actorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCooldown(w http.ResponseWriter, r *http.Request) {
	cold, err := h.room.Cooldown(r.Context())
	if err != nil {
		h.actorError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]bool{"cold": cold})
}

func (h *Handler) handleObjects(w http.ResponseWriter, r *http.Request) {
	objects, err := h.room.Objects(r.Context())
	if err != nil {
		h.actorError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, objects)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.room.Stats(r.Context())
	if err != nil {
		h.actorError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respond.Error(w, http.StatusBadRequest, "expected websocket upgrade")
		return
	}
	user := protocol.Member{
		ID:    r.Header.Get(HeaderUserID),
		Name:  r.Header.Get(HeaderUserName),
		Image: r.Header.Get(HeaderUserImage),
	}
	if user.ID == "" {
		respond.Error(w, http.StatusBadRequest, "missing user identity")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	defer h.closeOnPanic(conn, user.ID)

	// The session outlives the request.
	ctx := context.Background()

	sess, err := h.room.HandleSession(ctx, conn, user)
	switch {
	case errors.Is(err, ErrRoomFull):
		h.log.WithField("user", user.ID).Info("rejecting session, room is full")
		_ = conn.Close(protocol.CloseRoomIsFull, protocol.ReasonRoomIsFull)
		return
	case errors.Is(err, actor.ErrStopped):
		_ = conn.Close(protocol.CloseGoingAway, protocol.ReasonRoomGotInactive)
		return
	case err != nil:
		h.log.WithError(err).WithField("user", user.ID).Error("starting session")
		_ = conn.Close(protocol.CloseUnexpected, protocol.ReasonUnexpected)
		return
	}

	go func() {
		defer func() { _ = h.room.Leave(ctx, sess) }()
		defer h.closeOnPanic(conn, user.ID)
		conn.ReadLoop(func(data []byte) {
			if err := h.room.Receive(ctx, sess, data); err != nil {
				_ = conn.Close(protocol.CloseGoingAway, protocol.ReasonRoomGotInactive)
			}
		})
	}()
}

// closeOnPanic turns a panic on an upgraded connection into a 1011 close.
func (h *Handler) closeOnPanic(conn Conn, userID string) {
	if p := recover(); p != nil {
		h.log.WithFields(logrus.Fields{"panic": p, "room": h.room.ID, "user": userID}).Error("session panicked")
		_ = conn.Close(protocol.CloseUnexpected, protocol.ReasonUnexpected)
	}
}
