package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Tunables are the lifecycle knobs shared by the room manager (room count
// and durations) and every room (hot duration and occupancy).
type Tunables struct {
	MaxActiveRooms int           `yaml:"max_active_rooms"`
	LiveDuration   time.Duration `yaml:"live_duration"`
	ActiveDuration time.Duration `yaml:"active_duration"`
	HotDuration    time.Duration `yaml:"hot_duration"`
	MaxActiveUsers int           `yaml:"max_active_users"`
}

func DefaultTunables() Tunables {
	return Tunables{
		MaxActiveRooms: 100,
		LiveDuration:   7 * 24 * time.Hour,
		ActiveDuration: 24 * time.Hour,
		HotDuration:    10 * time.Minute,
		MaxActiveUsers: 10,
	}
}

// TunablesPatch is a partial update. Durations travel as milliseconds.
type TunablesPatch struct {
	MaxActiveRooms *int   `json:"MAX_ACTIVE_ROOMS,omitempty"`
	LiveDuration   *int64 `json:"LIVE_DURATION,omitempty"`
	ActiveDuration *int64 `json:"ACTIVE_DURATION,omitempty"`
	HotDuration    *int64 `json:"HOT_DURATION,omitempty"`
	MaxActiveUsers *int   `json:"MAX_ACTIVE_USERS,omitempty"`
}

var ErrInvalidTunables = errors.New("invalid config value")

// Merge applies the non-nil fields of p.
func (t Tunables) Merge(p TunablesPatch) (Tunables, error) {
	if p.MaxActiveRooms != nil {
		if *p.MaxActiveRooms < 0 {
			return t, ErrInvalidTunables
		}
		t.MaxActiveRooms = *p.MaxActiveRooms
	}
	if p.MaxActiveUsers != nil {
		if *p.MaxActiveUsers < 1 {
			return t, ErrInvalidTunables
		}
		t.MaxActiveUsers = *p.MaxActiveUsers
	}
	for _, d := range []struct {
		ms  *int64
		dst *time.Duration
	}{
		{p.LiveDuration, &t.LiveDuration},
		{p.ActiveDuration, &t.ActiveDuration},
		{p.HotDuration, &t.HotDuration},
	} {
		if d.ms == nil {
			continue
		}
		if *d.ms <= 0 {
			return t, ErrInvalidTunables
		}
		*d.dst = time.Duration(*d.ms) * time.Millisecond
	}
	return t, nil
}

func (t Tunables) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64{
		"MAX_ACTIVE_ROOMS": int64(t.MaxActiveRooms),
		"LIVE_DURATION":    t.LiveDuration.Milliseconds(),
		"ACTIVE_DURATION":  t.ActiveDuration.Milliseconds(),
		"HOT_DURATION":     t.HotDuration.Milliseconds(),
		"MAX_ACTIVE_USERS": int64(t.MaxActiveUsers),
	})
}
