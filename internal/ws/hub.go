package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/clock"
	"github.com/manpreetbhatti/lattice-board/internal/db"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-board/internal/room"
)

// RoomNamespace is the storage namespace owned by a room actor.
func RoomNamespace(id string) string {
	return "room/" + id
}

type HubOptions struct {
	Backend  db.Backend
	Clock    clock.Clock
	Log      logrus.FieldLogger
	Limiters *ratelimit.Registry
	// Defaults returns the configuration a newly started room begins with.
	Defaults func(ctx context.Context) room.Config
}

// Hub keeps the live room actors, starting them on first use.
type Hub struct {
	opts HubOptions
	log  logrus.FieldLogger

	mu    sync.Mutex
	rooms map[string]*room.Room
}

type HubStats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		opts:  opts,
		log:   opts.Log.WithField("component", "hub"),
		rooms: make(map[string]*room.Room),
	}
}

// Room returns the actor for id, starting it if needed.
func (h *Hub) Room(ctx context.Context, id string) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := room.NewRoom(room.Options{
		ID:       id,
		Store:    h.opts.Backend.Namespace(RoomNamespace(id)),
		Clock:    h.opts.Clock,
		Log:      h.opts.Log,
		Config:   h.opts.Defaults(ctx),
		Limiters: h.opts.Limiters,
	})
	h.rooms[id] = r
	h.log.WithFields(logrus.Fields{"room": id, "live": len(h.rooms)}).Debug("room actor started")
	return r
}

// Lookup returns the actor for id only if it is running.
func (h *Hub) Lookup(id string) (*room.Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Remove stops the actor for id, if any.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	delete(h.rooms, id)
	h.mu.Unlock()

	if ok {
		r.Stop()
	}
}

// Rooms returns the running actors ordered by id.
func (h *Hub) Rooms() []*room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// ReapIdle stops actors that have no sessions. Their objects stay in
// storage and the next Room call starts a fresh actor. Rooms carrying a
// configuration override are kept, since the override lives only in the
// actor.
func (h *Hub) ReapIdle(ctx context.Context) int {
	defaults := h.opts.Defaults(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	reaped := 0
	for id, r := range h.rooms {
		idle, err := r.Idle(ctx)
		if err != nil && ctx.Err() != nil {
			break
		}
		if err == nil && !idle {
			continue
		}
		if err == nil {
			if cfg, err := r.Config(ctx); err == nil && cfg != defaults {
				continue
			}
		}
		r.Stop()
		delete(h.rooms, id)
		reaped++
	}
	if reaped > 0 {
		h.log.WithFields(logrus.Fields{"reaped": reaped, "live": len(h.rooms)}).Info("reaped idle rooms")
	}
	return reaped
}

func (h *Hub) Stats(ctx context.Context) HubStats {
	var st HubStats
	for _, r := range h.Rooms() {
		rs, err := r.Stats(ctx)
		if err != nil {
			continue
		}
		st.Rooms++
		st.Sessions += rs.Sessions
	}
	return st
}

// Shutdown disconnects every session and stops every actor.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room.Room)
	h.mu.Unlock()

	for id, r := range rooms {
		if err := r.DisconnectAll(ctx, protocol.ReasonServerShutdown); err != nil {
			h.log.WithError(err).WithField("room", id).Warn("disconnecting room on shutdown")
		}
		r.Stop()
	}
	h.log.WithField("rooms", len(rooms)).Info("hub stopped")
}
