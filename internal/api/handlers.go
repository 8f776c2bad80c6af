// Package api is the outer routing layer: the public room API, websocket
// ingress and the admin mounts of the actor control surfaces.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/api/respond"
	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/db"
	"github.com/manpreetbhatti/lattice-board/internal/manager"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/room"
	"github.com/manpreetbhatti/lattice-board/internal/sweeper"
	"github.com/manpreetbhatti/lattice-board/internal/ws"
)

type Options struct {
	Manager        *manager.Manager
	Hub            *ws.Hub
	Backend        db.Backend
	Issuer         *auth.Issuer
	Upgrader       room.Upgrader
	Sweeper        *sweeper.Service
	AdminToken     string
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

type API struct {
	manager    *manager.Manager
	hub        *ws.Hub
	backend    db.Backend
	issuer     *auth.Issuer
	upgrader   room.Upgrader
	sweeper    *sweeper.Service
	adminToken string
	origins    []string
	log        logrus.FieldLogger
}

func New(opts Options) *API {
	return &API{
		manager:    opts.Manager,
		hub:        opts.Hub,
		backend:    opts.Backend,
		issuer:     opts.Issuer,
		upgrader:   opts.Upgrader,
		sweeper:    opts.Sweeper,
		adminToken: opts.AdminToken,
		origins:    opts.AllowedOrigins,
		log:        opts.Log,
	}
}

// Routes returns the full HTTP handler, middleware included.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.HealthHandler)
	mux.HandleFunc("GET /api/stats", a.StatsHandler)
	mux.HandleFunc("POST /api/session", a.SessionHandler)
	mux.HandleFunc("GET /api/me", a.MeHandler)

	mux.HandleFunc("GET /api/rooms", a.ListRoomsHandler)
	mux.HandleFunc("POST /api/rooms", a.CreateRoomHandler)
	mux.HandleFunc("PUT /api/rooms/{id}", a.PutRoomHandler)
	mux.HandleFunc("GET /api/rooms/{id}", a.GetRoomHandler)
	mux.HandleFunc("GET /api/rooms/{id}/objects", a.ObjectsHandler)
	mux.HandleFunc("GET /api/rooms/{id}/websocket", a.WebsocketHandler)

	admin := http.NewServeMux()
	admin.Handle("/admin/manager/", http.StripPrefix("/admin/manager", manager.NewHandler(a.manager, a.log)))
	admin.HandleFunc("/admin/rooms/{id}/", a.adminRoomHandler)
	admin.HandleFunc("DELETE /admin/rooms/{id}", a.adminDeleteRoomHandler)
	admin.HandleFunc("POST /admin/sweep", a.adminSweepHandler)
	mux.Handle("/admin/", requireAdmin(a.adminToken, admin))

	var h http.Handler = mux
	h = recoverMiddleware(a.log, h)
	h = requestLogger(a.log, h)
	h = corsMiddleware(a.origins, h)
	return h
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	live := a.hub.Stats(ctx)
	stats := map[string]any{
		"live_rooms":      live.Rooms,
		"active_sessions": live.Sessions,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if rooms, err := a.manager.ListRooms(ctx); err == nil {
		active := 0
		for _, info := range rooms {
			if info.Active {
				active++
			}
		}
		stats["total_rooms"] = len(rooms)
		stats["active_rooms"] = active
	}
	if a.backend != nil {
		if st, err := a.backend.Stats(ctx); err == nil {
			stats["storage_namespaces"] = st.Namespaces
			stats["storage_records"] = st.Records
		}
	}

	respond.JSON(w, http.StatusOK, stats)
}

type sessionRequest struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

type SessionResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	User      protocol.Member `json:"user"`
}

// SessionHandler issues a token. A caller that already holds a valid token
// keeps its id, so reconnects stay the same user.
func (a *API) SessionHandler(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := respond.Decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := a.issuer.Identify(r)
	if err != nil {
		user = auth.NewGuest(req.Name)
	} else if name := strings.TrimSpace(req.Name); name != "" {
		user.Name = name
	}
	if req.Image != "" {
		user.Image = req.Image
	}

	token, expires, err := a.issuer.Issue(user)
	if err != nil {
		a.log.WithError(err).Error("issuing session token")
		respond.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respond.JSON(w, http.StatusOK, SessionResponse{Token: token, ExpiresAt: expires, User: user})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.identify(w, r)
	if !ok {
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

func (a *API) identify(w http.ResponseWriter, r *http.Request) (protocol.Member, bool) {
	user, err := a.issuer.Identify(r)
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		respond.Error(w, http.StatusUnauthorized, "authentication required")
		return user, false
	case err != nil:
		respond.Error(w, http.StatusUnauthorized, "invalid or expired token")
		return user, false
	}
	return user, true
}

// RoomResponse is a room's directory entry plus its live occupancy.
type RoomResponse struct {
	manager.RoomInfo
	ActiveUsers int `json:"activeUsers"`
}

func (a *API) roomResponse(ctx context.Context, info manager.RoomInfo) RoomResponse {
	resp := RoomResponse{RoomInfo: info}
	if r, ok := a.hub.Lookup(info.ID); ok {
		if st, err := r.Stats(ctx); err == nil {
			resp.ActiveUsers = st.Sessions
		}
	}
	return resp
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.manager.ListRooms(r.Context())
	if err != nil {
		manager.WriteError(w, a.log, err)
		return
	}
	resp := make([]RoomResponse, 0, len(rooms))
	for _, info := range rooms {
		resp = append(resp, a.roomResponse(r.Context(), info))
	}
	respond.JSON(w, http.StatusOK, map[string]any{"rooms": resp})
}

// CreateRoomHandler creates a room under a generated id.
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.identify(w, r); !ok {
		return
	}
	a.createRoom(w, r, uuid.NewString())
}

// PutRoomHandler creates the room or returns the existing one.
func (a *API) PutRoomHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.identify(w, r); !ok {
		return
	}
	a.createRoom(w, r, r.PathValue("id"))
}

func (a *API) createRoom(w http.ResponseWriter, r *http.Request, id string) {
	info, created, err := a.manager.CreateRoom(r.Context(), id)
	if err != nil {
		manager.WriteError(w, a.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond.JSON(w, status, a.roomResponse(r.Context(), info))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	info, err := a.manager.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		manager.WriteError(w, a.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, a.roomResponse(r.Context(), info))
}

func (a *API) ObjectsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.manager.GetRoom(r.Context(), id); err != nil {
		manager.WriteError(w, a.log, err)
		return
	}
	objects, err := a.hub.Room(r.Context(), id).Objects(r.Context())
	if err != nil {
		a.log.WithError(err).WithField("room", id).Error("listing objects")
		respond.Error(w, http.StatusInternalServerError, "failed to list objects")
		return
	}
	respond.JSON(w, http.StatusOK, objects)
}

// WebsocketHandler admits a session into an active room. Lifecycle
// rejections are sent as close frames since websocket clients never see
// HTTP error bodies.
func (a *API) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.identify(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	log := a.log.WithFields(logrus.Fields{"room": id, "user": user.ID})

	info, err := a.manager.GetRoom(r.Context(), id)
	switch {
	case errors.Is(err, manager.ErrRoomNotFound):
		log.Info("rejecting websocket for unknown room")
		a.reject(w, r, protocol.CloseRoomNotFound, protocol.ReasonRoomNotFound)
		return
	case err != nil:
		log.WithError(err).Error("looking up room")
		a.reject(w, r, protocol.CloseUnexpected, protocol.ReasonUnexpected)
		return
	case !info.Active:
		log.Info("rejecting websocket for inactive room")
		a.reject(w, r, protocol.CloseRoomNotActive, protocol.ReasonRoomNotActive)
		return
	}

	forward := r.Clone(r.Context())
	forward.URL.Path = "/websocket"
	forward.URL.RawPath = ""
	forward.Header.Set(room.HeaderUserID, user.ID)
	forward.Header.Set(room.HeaderUserName, user.Name)
	forward.Header.Set(room.HeaderUserImage, user.Image)

	room.NewHandler(a.hub.Room(r.Context(), id), a.upgrader, a.log).ServeHTTP(w, forward)
}

func (a *API) reject(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := a.upgrader.Upgrade(w, r)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	_ = conn.Close(code, reason)
}

func (a *API) adminRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !manager.ValidRoomID(id) {
		respond.Error(w, http.StatusBadRequest, manager.ErrInvalidRoomID.Error())
		return
	}
	h := room.NewHandler(a.hub.Room(r.Context(), id), a.upgrader, a.log)
	http.StripPrefix("/admin/rooms/"+id, h).ServeHTTP(w, r)
}

// adminDeleteRoomHandler removes a room everywhere: sessions, objects and
// directory entry.
func (a *API) adminDeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !manager.ValidRoomID(id) {
		respond.Error(w, http.StatusBadRequest, manager.ErrInvalidRoomID.Error())
		return
	}
	if err := a.hub.Room(r.Context(), id).Delete(r.Context()); err != nil {
		a.log.WithError(err).WithField("room", id).Error("deleting room objects")
		respond.Error(w, http.StatusInternalServerError, "failed to delete room")
		return
	}
	a.hub.Remove(id)
	if err := a.manager.DeleteRoom(r.Context(), id); err != nil {
		manager.WriteError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) adminSweepHandler(w http.ResponseWriter, r *http.Request) {
	if a.sweeper == nil {
		respond.Error(w, http.StatusNotFound, "sweeper disabled")
		return
	}
	report, err := a.sweeper.SweepNow(r.Context())
	if err != nil {
		a.log.WithError(err).Error("manual sweep")
		respond.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond.JSON(w, http.StatusOK, report)
}
