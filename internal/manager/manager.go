// Package manager implements the room manager actor, the lifecycle
// authority over which rooms exist and which of them are active.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/actor"
	"github.com/manpreetbhatti/lattice-board/internal/clock"
	"github.com/manpreetbhatti/lattice-board/internal/config"
	"github.com/manpreetbhatti/lattice-board/internal/db"
)

var (
	ErrQuotaExceeded = errors.New("active room quota exceeded")
	ErrRoomNotFound  = errors.New("room not found")
	ErrInvalidRoomID = errors.New("invalid room id")
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// RoomInfo describes one room. ActiveUntil and AliveUntil are derived from
// CreatedAt and the current durations on every read.
type RoomInfo struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	Active      bool      `json:"active"`
	ActiveUntil time.Time `json:"activeUntil"`
	AliveUntil  time.Time `json:"aliveUntil"`
}

// record is the persisted form of RoomInfo.
type record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Active    bool      `json:"active"`
}

// RoomPatch is the target state of one room as computed by DryClean.
type RoomPatch struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
	Alive  bool   `json:"alive"`
}

type Options struct {
	Store    db.Store
	Clock    clock.Clock
	Log      logrus.FieldLogger
	Defaults config.Tunables
}

// Manager is the room manager actor.
type Manager struct {
	mailbox  *actor.Mailbox
	store    db.Store
	clock    clock.Clock
	log      logrus.FieldLogger
	defaults config.Tunables

	// owned by the mailbox goroutine
	config config.Tunables
}

func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		mailbox:  actor.NewMailbox(),
		store:    opts.Store,
		clock:    clk,
		log:      opts.Log.WithField("component", "manager"),
		defaults: opts.Defaults,
		config:   opts.Defaults,
	}
	go m.mailbox.Run()
	return m
}

func (m *Manager) Stop() {
	m.mailbox.Stop()
}

// do runs fn on the actor and merges the mailbox error with fn's result.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	var result error
	if err := m.mailbox.Do(ctx, func() { result = fn() }); err != nil {
		return err
	}
	return result
}

// CreateRoom returns the room with id, creating it when it does not exist.
// created reports whether this call created it. Creation fails with
// ErrQuotaExceeded once MaxActiveRooms rooms are active.
func (m *Manager) CreateRoom(ctx context.Context, id string) (info RoomInfo, created bool, err error) {
	if !ValidRoomID(id) {
		return RoomInfo{}, false, ErrInvalidRoomID
	}
	err = m.do(ctx, func() error {
		rec, err := m.load(ctx, id)
		if err == nil {
			info = m.view(rec)
			return nil
		}
		if !errors.Is(err, ErrRoomNotFound) {
			return err
		}

		rooms, err := m.list(ctx)
		if err != nil {
			return err
		}
		active := 0
		for _, r := range rooms {
			if r.Active {
				active++
			}
		}
		if active >= m.config.MaxActiveRooms {
			m.log.WithFields(logrus.Fields{"room": id, "active": active}).Warn("room quota exhausted")
			return ErrQuotaExceeded
		}

		rec = record{ID: id, CreatedAt: m.clock.Now(), Active: true}
		if err := m.save(ctx, rec); err != nil {
			return err
		}
		m.log.WithField("room", id).Info("room created")
		info, created = m.view(rec), true
		return nil
	})
	return info, created, err
}

func (m *Manager) GetRoom(ctx context.Context, id string) (RoomInfo, error) {
	var info RoomInfo
	err := m.do(ctx, func() error {
		rec, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		info = m.view(rec)
		return nil
	})
	return info, err
}

// SetRoom persists the stored fields of info.
func (m *Manager) SetRoom(ctx context.Context, info RoomInfo) (RoomInfo, error) {
	if !ValidRoomID(info.ID) {
		return RoomInfo{}, ErrInvalidRoomID
	}
	var out RoomInfo
	err := m.do(ctx, func() error {
		rec := record{ID: info.ID, CreatedAt: info.CreatedAt, Active: info.Active}
		if err := m.save(ctx, rec); err != nil {
			return err
		}
		out = m.view(rec)
		return nil
	})
	return out, err
}

func (m *Manager) DeleteRoom(ctx context.Context, id string) error {
	return m.do(ctx, func() error {
		return m.store.Delete(ctx, id)
	})
}

// ListRooms returns every room ordered by id.
func (m *Manager) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	var rooms []RoomInfo
	err := m.do(ctx, func() error {
		var err error
		rooms, err = m.list(ctx)
		return err
	})
	return rooms, err
}

// DryClean computes the target state of every room without changing
// anything.
func (m *Manager) DryClean(ctx context.Context) ([]RoomPatch, error) {
	var patches []RoomPatch
	err := m.do(ctx, func() error {
		records, err := m.records(ctx)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		patches = make([]RoomPatch, 0, len(records))
		for _, rec := range records {
			age := now.Sub(rec.CreatedAt)
			patches = append(patches, RoomPatch{
				ID:     rec.ID,
				Active: age < m.config.ActiveDuration,
				Alive:  age < m.config.LiveDuration,
			})
		}
		return nil
	})
	return patches, err
}

// Clean commits patches: dead rooms are deleted, inactive rooms are marked
// inactive. Callers disconnect the rooms' sessions before calling it.
func (m *Manager) Clean(ctx context.Context, patches []RoomPatch) error {
	return m.do(ctx, func() error {
		for _, p := range patches {
			switch {
			case !p.Alive:
				if err := m.store.Delete(ctx, p.ID); err != nil {
					return fmt.Errorf("delete room %s: %w", p.ID, err)
				}
				m.log.WithField("room", p.ID).Info("room deleted")
			case !p.Active:
				rec, err := m.load(ctx, p.ID)
				if errors.Is(err, ErrRoomNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if !rec.Active {
					continue
				}
				rec.Active = false
				if err := m.save(ctx, rec); err != nil {
					return fmt.Errorf("deactivate room %s: %w", p.ID, err)
				}
				m.log.WithField("room", p.ID).Info("room deactivated")
			}
		}
		return nil
	})
}

func (m *Manager) Config(ctx context.Context) (config.Tunables, error) {
	var cfg config.Tunables
	err := m.mailbox.Do(ctx, func() { cfg = m.config })
	return cfg, err
}

func (m *Manager) UpdateConfig(ctx context.Context, patch config.TunablesPatch) (config.Tunables, error) {
	var cfg config.Tunables
	err := m.do(ctx, func() error {
		next, err := m.config.Merge(patch)
		if err != nil {
			return err
		}
		m.config = next
		cfg = next
		return nil
	})
	return cfg, err
}

// Reset restores the default configuration and forgets every room.
func (m *Manager) Reset(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.config = m.defaults
		m.log.Warn("resetting room directory")
		return m.store.DeleteAll(ctx, "")
	})
}

func (m *Manager) load(ctx context.Context, id string) (record, error) {
	data, err := m.store.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return record{}, ErrRoomNotFound
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("decode room %s: %w", id, err)
	}
	return rec, nil
}

func (m *Manager) save(ctx context.Context, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, rec.ID, data)
}

func (m *Manager) records(ctx context.Context) ([]record, error) {
	entries, err := m.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	records := make([]record, 0, len(entries))
	for _, e := range entries {
		var rec record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode room %s: %w", e.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Manager) list(ctx context.Context) ([]RoomInfo, error) {
	records, err := m.records(ctx)
	if err != nil {
		return nil, err
	}
	rooms := make([]RoomInfo, 0, len(records))
	for _, rec := range records {
		rooms = append(rooms, m.view(rec))
	}
	return rooms, nil
}

// view derives the read model: a room is active only while its stored flag
// is set and it is younger than ActiveDuration.
func (m *Manager) view(rec record) RoomInfo {
	info := RoomInfo{
		ID:          rec.ID,
		CreatedAt:   rec.CreatedAt,
		ActiveUntil: rec.CreatedAt.Add(m.config.ActiveDuration),
		AliveUntil:  rec.CreatedAt.Add(m.config.LiveDuration),
	}
	info.Active = rec.Active && m.clock.Now().Before(info.ActiveUntil)
	return info
}
