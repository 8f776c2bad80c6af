// Package sweeper drives room lifecycle on a timer: it asks the room
// manager which rooms aged out, disconnects or wipes those rooms, commits
// the new state to the manager, and cools down and reaps idle actors.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/actor"
	"github.com/manpreetbhatti/lattice-board/internal/manager"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-board/internal/ws"
)

type Config struct {
	Interval time.Duration
	// Timeout bounds one sweep.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Timeout:  30 * time.Second,
	}
}

// Directory is the part of the room manager the sweeper drives.
type Directory interface {
	DryClean(ctx context.Context) ([]manager.RoomPatch, error)
	Clean(ctx context.Context, patches []manager.RoomPatch) error
}

// Report summarises one sweep.
type Report struct {
	Deleted        int `json:"deleted"`
	Deactivated    int `json:"deactivated"`
	Cold           int `json:"cold"`
	ReapedRooms    int `json:"reapedRooms"`
	ReapedLimiters int `json:"reapedLimiters"`
}

type Service struct {
	directory Directory
	hub       *ws.Hub
	limiters  *ratelimit.Registry
	config    Config
	log       logrus.FieldLogger

	// serializes sweeps from the ticker and SweepNow
	sweepMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the service. limiters may be nil when rate limiting is off.
func New(directory Directory, hub *ws.Hub, limiters *ratelimit.Registry, config Config, log logrus.FieldLogger) *Service {
	return &Service{
		directory: directory,
		hub:       hub,
		limiters:  limiters,
		config:    config,
		log:       log.WithField("component", "sweeper"),
		stop:      make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithField("interval", s.config.Interval).Info("sweeper started")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("sweeper stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
			if _, err := s.SweepNow(ctx); err != nil {
				s.log.WithError(err).Error("sweep failed")
			}
			cancel()
		}
	}
}

// SweepNow runs one sweep. Rooms are disconnected before the manager
// records them as inactive or deleted, so no session can slip in between.
func (s *Service) SweepNow(ctx context.Context) (Report, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	var report Report

	patches, err := s.directory.DryClean(ctx)
	if err != nil {
		return report, err
	}

	var errs []error
	// Patches whose room side effects failed are retried next sweep.
	committed := make([]manager.RoomPatch, 0, len(patches))
	for _, p := range patches {
		log := s.log.WithField("room", p.ID)
		switch {
		case !p.Alive:
			// Storage is wiped even when no actor is running.
			if err := s.hub.Room(ctx, p.ID).Delete(ctx); err != nil {
				log.WithError(err).Error("deleting room")
				errs = append(errs, err)
				continue
			}
			s.hub.Remove(p.ID)
			report.Deleted++
		case !p.Active:
			if r, ok := s.hub.Lookup(p.ID); ok {
				if err := r.Deactivate(ctx); err != nil && !errors.Is(err, actor.ErrStopped) {
					log.WithError(err).Error("deactivating room")
					errs = append(errs, err)
					continue
				}
				report.Deactivated++
			}
		default:
			continue
		}
		committed = append(committed, p)
	}

	if err := s.directory.Clean(ctx, committed); err != nil {
		errs = append(errs, err)
	}

	for _, r := range s.hub.Rooms() {
		cold, err := r.Cooldown(ctx)
		if err != nil {
			continue
		}
		if cold {
			report.Cold++
		}
	}

	report.ReapedRooms = s.hub.ReapIdle(ctx)
	if s.limiters != nil {
		report.ReapedLimiters = s.limiters.Reap(ctx)
	}

	if report != (Report{}) {
		s.log.WithFields(logrus.Fields{
			"deleted":         report.Deleted,
			"deactivated":     report.Deactivated,
			"cold":            report.Cold,
			"reaped_rooms":    report.ReapedRooms,
			"reaped_limiters": report.ReapedLimiters,
		}).Info("sweep finished")
	}
	return report, errors.Join(errs...)
}
