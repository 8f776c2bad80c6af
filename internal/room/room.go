// Package room implements the room actor: the single-threaded owner of one
// whiteboard's sessions and objects.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/actor"
	"github.com/manpreetbhatti/lattice-board/internal/board"
	"github.com/manpreetbhatti/lattice-board/internal/clock"
	"github.com/manpreetbhatti/lattice-board/internal/config"
	"github.com/manpreetbhatti/lattice-board/internal/db"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
)

var ErrRoomFull = errors.New("room is full")

// Socket is the server end of one websocket connection.
type Socket interface {
	// Send queues a frame. It must not block; an error means the peer is
	// gone or too slow and the session is dropped.
	Send(data []byte) error
	// Close sends a close frame with code and reason. Safe to call twice.
	Close(code int, reason string) error
}

// Session is one connected user. Its fields are owned by the room's
// mailbox goroutine.
type Session struct {
	user    protocol.Member
	socket  Socket
	limiter *ratelimit.Client
	quit    bool
}

func (s *Session) User() protocol.Member { return s.user }

// Config holds the per-room overrides.
type Config struct {
	HotDuration    time.Duration
	MaxActiveUsers int
}

type Options struct {
	ID     string
	Store  db.Store
	Clock  clock.Clock
	Log    logrus.FieldLogger
	Config Config
	// Limiters enables per-user rate limiting when set.
	Limiters *ratelimit.Registry
}

// Room is the room actor.
type Room struct {
	ID string

	mailbox  *actor.Mailbox
	objects  *board.ObjectStore
	clock    clock.Clock
	log      logrus.FieldLogger
	limiters *ratelimit.Registry

	// owned by the mailbox goroutine
	sessions      []*Session
	lastTimestamp int64
	config        Config
}

// NewRoom starts the actor for one room.
func NewRoom(opts Options) *Room {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	r := &Room{
		ID:            opts.ID,
		mailbox:       actor.NewMailbox(),
		objects:       board.NewObjectStore(opts.Store),
		clock:         clk,
		log:           opts.Log.WithField("room", opts.ID),
		limiters:      opts.Limiters,
		lastTimestamp: clk.Now().UnixMilli(),
		config:        opts.Config,
	}
	go r.mailbox.Run()
	return r
}

// Stop ends the actor. Sessions are left as they are; callers disconnect
// them first.
func (r *Room) Stop() {
	r.mailbox.Stop()
}

// CanStart reports whether userID may open a session: reconnects are always
// allowed, new users only below the occupancy cap.
func (r *Room) CanStart(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.mailbox.Do(ctx, func() { ok = r.canStart(userID) })
	return ok, err
}

func (r *Room) canStart(userID string) bool {
	if r.find(userID) != nil {
		return true
	}
	return len(r.sessions) < r.config.MaxActiveUsers
}

func (r *Room) find(userID string) *Session {
	for _, s := range r.sessions {
		if s.user.ID == userID {
			return s
		}
	}
	return nil
}

// HandleSession registers socket as user's session. Any previous session of
// the same user is closed first. The new session receives init before any
// other frame; everyone else receives join. Fails with ErrRoomFull when the
// occupancy check does not pass.
func (r *Room) HandleSession(ctx context.Context, socket Socket, user protocol.Member) (*Session, error) {
	var (
		sess   *Session
		result error
	)
	err := r.mailbox.Do(ctx, func() {
		sess, result = r.handleSession(ctx, socket, user)
	})
	if err != nil {
		return nil, err
	}
	return sess, result
}

func (r *Room) handleSession(ctx context.Context, socket Socket, user protocol.Member) (*Session, error) {
	if !r.canStart(user.ID) {
		return nil, ErrRoomFull
	}
	if old := r.find(user.ID); old != nil {
		r.log.WithField("user", user.ID).Debug("evicting duplicate session")
		r.closeSession(old, protocol.CloseGoingAway, protocol.ReasonDuplicatedSelf)
	}

	objects, err := r.objects.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	sess := &Session{user: user, socket: socket}
	if r.limiters != nil {
		sess.limiter = ratelimit.NewClient(
			func() *ratelimit.Limiter { return r.limiters.Get(user.ID) },
			r.clock,
			func(err error) { r.limiterFailed(sess, err) },
		)
	}
	r.sessions = append(r.sessions, sess)

	init, err := protocol.Encode(protocol.NewInit(objects, r.members(), user.ID))
	if err != nil {
		r.dropSession(sess)
		return nil, err
	}
	if err := socket.Send(init); err != nil {
		r.dropSession(sess)
		return nil, fmt.Errorf("send init: %w", err)
	}

	join, err := protocol.Encode(protocol.NewJoin(user))
	if err != nil {
		return nil, err
	}
	r.broadcast(user.ID, join)

	r.log.WithFields(logrus.Fields{"user": user.ID, "sessions": len(r.sessions)}).Info("session started")
	return sess, nil
}

// limiterFailed runs on the limiter client's goroutine.
func (r *Room) limiterFailed(sess *Session, err error) {
	r.log.WithError(err).WithField("user", sess.user.ID).Warn("rate limiter unavailable, closing session")
	_ = r.mailbox.Do(context.Background(), func() {
		r.closeSession(sess, protocol.CloseUnexpected, protocol.ReasonUnexpected)
	})
}

// Receive handles one inbound frame from sess.
func (r *Room) Receive(ctx context.Context, sess *Session, data []byte) error {
	return r.mailbox.Do(ctx, func() { r.receive(ctx, sess, data) })
}

func (r *Room) receive(ctx context.Context, sess *Session, data []byte) {
	if sess.quit {
		return
	}
	log := r.log.WithField("user", sess.user.ID)

	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("event handling panicked")
			r.closeSession(sess, protocol.CloseUnexpected, protocol.ReasonUnexpected)
		}
	}()

	ev, err := board.ParseEvent(data)
	if err != nil {
		log.WithError(err).Info("closing session on invalid frame")
		r.closeSession(sess, protocol.CloseInvalidData, protocol.ReasonInvalidData)
		return
	}

	if sess.limiter != nil && !sess.limiter.Allow() {
		log.WithField("kind", ev.Kind).Debug("dropping rate limited event")
		return
	}

	ev.UniqueTimestamp = r.nextTimestamp()
	ev.RequestedBy = sess.user.ID

	res, err := r.objects.ApplyEvent(ctx, ev)
	if err != nil {
		log.WithError(err).Error("applying event")
		r.closeSession(sess, protocol.CloseUnexpected, protocol.ReasonUnexpected)
		return
	}

	switch res.Status {
	case board.Conflict:
		log.WithField("kind", ev.Kind).Debug("event lost optimistic check")
	case board.Invalid:
		log.WithField("reason", res.Reason).Info("closing session on invalid event")
		r.closeSession(sess, protocol.CloseInvalidData, protocol.ReasonInvalidData)
	case board.Applied:
		for _, d := range res.Deliveries {
			frame, err := protocol.Encode(d.Event)
			if err != nil {
				log.WithError(err).Error("encoding response")
				continue
			}
			if d.To == board.ToSelf {
				r.sendTo(sess, frame)
				continue
			}
			r.broadcast(sess.user.ID, frame)
		}
	}
}

// nextTimestamp returns a millisecond timestamp strictly greater than any
// returned before by this room.
func (r *Room) nextTimestamp() int64 {
	next := r.clock.Now().UnixMilli()
	if next <= r.lastTimestamp {
		next = r.lastTimestamp + 1
	}
	r.lastTimestamp = next
	return next
}

// Leave is called once the session's socket has closed.
func (r *Room) Leave(ctx context.Context, sess *Session) error {
	return r.mailbox.Do(ctx, func() {
		if sess.quit {
			return
		}
		r.log.WithField("user", sess.user.ID).Info("session ended")
		r.dropSession(sess)
	})
}

// Broadcast sends data to every session whose user is not senderID.
func (r *Room) Broadcast(ctx context.Context, senderID string, data []byte) error {
	return r.mailbox.Do(ctx, func() { r.broadcast(senderID, data) })
}

type outgoing struct {
	sender string
	data   []byte
}

// broadcast delivers in one pass per message. Sessions whose send fails are
// removed and their quit is queued, so a failure while announcing a quit is
// handled the same way.
func (r *Room) broadcast(senderID string, data []byte) {
	queue := []outgoing{{sender: senderID, data: data}}
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]

		var failed []*Session
		kept := r.sessions[:0]
		for _, s := range r.sessions {
			if s.user.ID != msg.sender {
				if err := s.socket.Send(msg.data); err != nil {
					failed = append(failed, s)
					continue
				}
			}
			kept = append(kept, s)
		}
		clear(r.sessions[len(kept):])
		r.sessions = kept

		for _, s := range failed {
			r.log.WithField("user", s.user.ID).Info("dropping unreachable session")
			r.retire(s)
			_ = s.socket.Close(protocol.CloseUnexpected, protocol.ReasonUnexpected)
			queue = append(queue, outgoing{sender: s.user.ID, data: r.quitFrame(s.user.ID)})
		}
	}
}

func (r *Room) sendTo(sess *Session, data []byte) {
	if err := sess.socket.Send(data); err != nil {
		r.log.WithField("user", sess.user.ID).Info("dropping unreachable session")
		r.closeSession(sess, protocol.CloseUnexpected, protocol.ReasonUnexpected)
	}
}

func (r *Room) quitFrame(userID string) []byte {
	data, _ := protocol.Encode(protocol.NewQuit(userID))
	return data
}

// closeSession closes the socket, removes the session and announces the
// quit to everyone else.
func (r *Room) closeSession(sess *Session, code int, reason string) {
	if sess.quit {
		return
	}
	if err := sess.socket.Close(code, reason); err != nil {
		r.log.WithError(err).WithField("user", sess.user.ID).Debug("closing socket")
	}
	r.dropSession(sess)
}

func (r *Room) dropSession(sess *Session) {
	if sess.quit {
		return
	}
	r.retire(sess)
	r.remove(sess)
	r.broadcast(sess.user.ID, r.quitFrame(sess.user.ID))
}

func (r *Room) retire(sess *Session) {
	sess.quit = true
	if sess.limiter != nil {
		sess.limiter.Close()
	}
}

func (r *Room) remove(sess *Session) {
	for i, s := range r.sessions {
		if s == sess {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return
		}
	}
}

// DisconnectAll closes every session with 1001 and reason.
func (r *Room) DisconnectAll(ctx context.Context, reason string) error {
	return r.mailbox.Do(ctx, func() { r.disconnectAll(reason) })
}

func (r *Room) disconnectAll(reason string) {
	if len(r.sessions) > 0 {
		r.log.WithFields(logrus.Fields{"reason": reason, "sessions": len(r.sessions)}).Info("disconnecting all sessions")
	}
	for _, s := range r.sessions {
		r.retire(s)
		_ = s.socket.Close(protocol.CloseGoingAway, reason)
	}
	r.sessions = nil
}

// Cooldown disconnects everyone when the room has seen no event for
// longer than the hot duration. It reports whether the room was cold.
func (r *Room) Cooldown(ctx context.Context) (bool, error) {
	var cold bool
	err := r.mailbox.Do(ctx, func() {
		idle := time.Duration(r.clock.Now().UnixMilli()-r.lastTimestamp) * time.Millisecond
		if idle > r.config.HotDuration {
			cold = true
			r.disconnectAll(protocol.ReasonNoRecentActivity)
		}
	})
	return cold, err
}

// Deactivate disconnects everyone because the room went inactive.
func (r *Room) Deactivate(ctx context.Context) error {
	return r.DisconnectAll(ctx, protocol.ReasonRoomGotInactive)
}

// Delete disconnects everyone and wipes the room's objects.
func (r *Room) Delete(ctx context.Context) error {
	var result error
	err := r.mailbox.Do(ctx, func() {
		r.disconnectAll(protocol.ReasonRoomGotInactive)
		result = r.objects.DeleteAll(ctx)
	})
	if err != nil {
		return err
	}
	return result
}

// UpdateConfig merges the room-level fields of patch and returns the
// resulting configuration.
func (r *Room) UpdateConfig(ctx context.Context, patch config.TunablesPatch) (Config, error) {
	var (
		cfg    Config
		result error
	)
	err := r.mailbox.Do(ctx, func() {
		t, err := config.Tunables{
			HotDuration:    r.config.HotDuration,
			MaxActiveUsers: r.config.MaxActiveUsers,
		}.Merge(config.TunablesPatch{HotDuration: patch.HotDuration, MaxActiveUsers: patch.MaxActiveUsers})
		if err != nil {
			result = err
			cfg = r.config
			return
		}
		r.config = Config{HotDuration: t.HotDuration, MaxActiveUsers: t.MaxActiveUsers}
		cfg = r.config
	})
	if err != nil {
		return Config{}, err
	}
	return cfg, result
}

// Objects returns the persisted objects keyed by id.
func (r *Room) Objects(ctx context.Context) (map[string]*board.Object, error) {
	var (
		objects map[string]*board.Object
		result  error
	)
	err := r.mailbox.Do(ctx, func() {
		objects, result = r.objects.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return objects, result
}

func (r *Room) Config(ctx context.Context) (Config, error) {
	var cfg Config
	err := r.mailbox.Do(ctx, func() { cfg = r.config })
	return cfg, err
}

// Idle reports whether the room has no sessions.
func (r *Room) Idle(ctx context.Context) (bool, error) {
	var idle bool
	err := r.mailbox.Do(ctx, func() { idle = len(r.sessions) == 0 })
	return idle, err
}

// Members returns the connected users in join order.
func (r *Room) Members(ctx context.Context) ([]protocol.Member, error) {
	var members []protocol.Member
	err := r.mailbox.Do(ctx, func() { members = r.members() })
	return members, err
}

func (r *Room) members() []protocol.Member {
	members := make([]protocol.Member, 0, len(r.sessions))
	for _, s := range r.sessions {
		members = append(members, s.user)
	}
	return members
}

type Stats struct {
	ID            string   `json:"id"`
	Sessions      int      `json:"sessions"`
	LastTimestamp int64    `json:"lastTimestamp"`
	Hot           bool     `json:"hot"`
	HotDuration   int64    `json:"HOT_DURATION"`
	MaxUsers      int      `json:"MAX_ACTIVE_USERS"`
	Members       []string `json:"members"`
}

func (r *Room) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.mailbox.Do(ctx, func() {
		idle := time.Duration(r.clock.Now().UnixMilli()-r.lastTimestamp) * time.Millisecond
		st = Stats{
			ID:            r.ID,
			Sessions:      len(r.sessions),
			LastTimestamp: r.lastTimestamp,
			Hot:           idle <= r.config.HotDuration,
			HotDuration:   r.config.HotDuration.Milliseconds(),
			MaxUsers:      r.config.MaxActiveUsers,
			Members:       make([]string, 0, len(r.sessions)),
		}
		for _, s := range r.sessions {
			st.Members = append(st.Members, s.user.ID)
		}
	})
	return st, err
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64{
		"HOT_DURATION":     c.HotDuration.Milliseconds(),
		"MAX_ACTIVE_USERS": int64(c.MaxActiveUsers),
	})
}
