package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/chimerakang/authkit-go/backend"
	"github.com/chimerakang/authkit-go/events"
	"github.com/chimerakang/authkit-go/internal/config"
	"github.com/chimerakang/authkit-go/metrics"
	"github.com/chimerakang/authkit-go/session"
	"github.com/chimerakang/authkit-go/store"
	"github.com/chimerakang/authkit-go/store/gormstore"
	"github.com/chimerakang/authkit-go/store/redisstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// app is everything one authctl invocation needs.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	bus      *events.Bus
	manager  *session.Manager
	closers  []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}

	client, err := backend.New(cfg.Backend.BaseURL,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	sb, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	a.bus = events.New(0, events.WithLogger(log), events.WithLogHandler(log))
	a.manager = session.New(client, store.New(sb, store.WithLogger(log)),
		session.WithLogger(log),
		session.WithMetrics(metrics.New(!cfg.Metrics.Disabled, metrics.WithRegisterer(a.registry))),
		session.WithTimeout(cfg.Refresh.Timeout),
		session.WithEventBus(a.bus),
	)
	a.manager.Restore(ctx)
	return a, nil
}

// openBackend returns the durable storage selected by store.driver.
func (a *app) openBackend(ctx context.Context) (store.Backend, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case config.DriverMemory:
		return nil, nil
	case config.DriverSQLite:
		db, err := gormstore.OpenSQLite(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		gb, err := gormstore.New(db)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gb)
		return gb, nil
	case config.DriverRedis:
		rb, err := redisstore.Dial(ctx, sc.RedisURL, sc.RedisPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rb)
		return rb, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// writeMetrics dumps the invocation's counters in the Prometheus text format.
func (a *app) writeMetrics(w io.Writer) error {
	mfs, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() error {
	errs := []error{a.manager.Close(), a.bus.Close()}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
