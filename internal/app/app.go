// Package app wires configuration into stores, queues and services for the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"classroll/internal/attendance"
	"classroll/internal/clock"
	"classroll/internal/config"
	"classroll/internal/geofence"
	"classroll/internal/lifecycle"
	"classroll/internal/notify"
	"classroll/internal/queue"
	"classroll/internal/schedule"
	"classroll/internal/store"
	"classroll/internal/store/memory"
	"classroll/internal/store/postgres"
)

// Backend is everything the services persist through.
type Backend interface {
	schedule.Repository
	schedule.Seeder
	attendance.Repository
	attendance.StudentDirectory
	lifecycle.Store
	geofence.Provider
	notify.Inbox
	notify.Feed
	UpsertStudent(ctx context.Context, st attendance.Student) error
}

// App holds the opened resources and the services built on them.
type App struct {
	Config  config.App
	Clock   clock.Clock
	Backend Backend
	DB      *store.DB
	Redis   *store.Redis
	Queue   queue.Queue
	Sink    notify.Sink

	Sessions   *schedule.Service
	Attendance *attendance.Service
	Job        *lifecycle.Job

	log zerolog.Logger
}

// Open connects the configured backends and builds the services. Close releases them.
func Open(ctx context.Context, cfg config.App, log zerolog.Logger) (*App, error) {
	loc, err := cfg.School.Location()
	if err != nil {
		return nil, fmt.Errorf("school timezone: %w", err)
	}
	a := &App{Config: cfg, Clock: clock.System{}, log: log}

	switch cfg.Database.Backend {
	case "memory":
		mem := memory.New()
		if err := mem.SaveGeoFence(ctx, cfg.GeoFence.Fence()); err != nil {
			return nil, fmt.Errorf("geofence: %w", err)
		}
		a.Backend = mem
		log.Warn().Msg("using in-memory store; data is lost on restart")
	default:
		db, err := store.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		a.DB = db
		pg := postgres.New(db.Client, cfg.GeoFence.Fence())
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
			log.Info().Msg("database schema applied")
		}
		a.Backend = pg
	}

	switch cfg.Queue.Backend {
	case "memory":
		a.Queue = queue.NewInMemory(cfg.Queue.Size)
	default:
		a.Redis = store.NewRedis(cfg.Redis.Addr)
		a.Queue = queue.NewRedisQueue(a.Redis.Client, cfg.Queue.Key)
	}
	a.Sink = notify.NewBreakerSink(notify.NewQueueSink(a.Queue), notify.BreakerConfig{
		Name:    "notify-queue",
		Timeout: cfg.Lifecycle.NotifyTimeout,
	})

	a.Sessions = schedule.NewService(a.Backend, a.Backend, a.Sink, a.Clock, loc,
		log.With().Str("component", "schedule").Logger())
	a.Attendance = attendance.NewService(a.Backend, a.Backend, a.Backend, a.Backend, a.Sink, a.Clock,
		attendance.Options{SchoolIP: cfg.School.PublicIP, NotifyTimeout: cfg.Lifecycle.NotifyTimeout},
		log.With().Str("component", "attendance").Logger())
	a.Job = lifecycle.NewJob(a.Backend, a.Sink, cfg.Lifecycle.Job(),
		log.With().Str("component", "lifecycle").Logger())
	return a, nil
}

// SingleProcess reports whether the background services must run next to the API because
// the store or queue cannot be shared with a separate worker.
func (a *App) SingleProcess() bool {
	return a.Config.Database.Backend == "memory" || a.Config.Queue.Backend == "memory"
}

// Supervisor builds the tree running the lifecycle runner (when enabled) and the
// notification dispatcher.
func (a *App) Supervisor() *suture.Supervisor {
	log := a.log.With().Str("component", "supervisor").Logger()
	sup := suture.New("classroll-worker", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	if a.Config.Lifecycle.Enabled {
		sup.Add(lifecycle.NewRunner(a.Job, a.Clock, a.Config.Lifecycle.Runner(),
			a.log.With().Str("component", "lifecycle-runner").Logger()))
	} else {
		a.log.Info().Msg("lifecycle job disabled")
	}
	sup.Add(notify.NewDispatcher(a.Queue, a.Backend, a.Config.Lifecycle.NotifyTimeout,
		a.log.With().Str("component", "dispatcher").Logger()))
	return sup
}

// Health reports reachability of each external dependency in use.
func (a *App) Health(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	if a.DB != nil {
		out["db"] = a.DB.Healthy(ctx)
	}
	if a.Redis != nil {
		out["redis"] = a.Redis.Healthy(ctx)
	}
	return out
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
