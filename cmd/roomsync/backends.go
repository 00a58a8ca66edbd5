package main

import (
	"context"
	"fmt"

	"github.com/npezzotti/roomsync/internal/blob"
	"github.com/npezzotti/roomsync/internal/config"
	"github.com/npezzotti/roomsync/internal/room"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/sirupsen/logrus"
)

func newLogger(c config.LogConfig) *logrus.Logger {
	l := logrus.New()
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(c.Level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

func openStore(ctx context.Context, c config.StoreConfig, logger logrus.FieldLogger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Driver {
	case "memory":
		st = store.NewMemoryStore()
	case "redis":
		st, err = store.OpenRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB, c.KeyPrefix, logger)
	case "postgres":
		st, err = store.OpenPostgres(c.DSN)
	case "sqlite":
		st, err = store.OpenSQLite(c.DSN)
	case "badger":
		st, err = store.OpenBadger(store.BadgerConfig{
			Path:   c.BadgerPath,
			Logger: logger.WithField("component", "badger"),
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", c.Driver, err)
	}
	logger.WithField("driver", c.Driver).Info("store opened")
	return st, nil
}

func openBlobs(ctx context.Context, c config.BlobConfig) (blob.Store, func(), error) {
	switch c.Driver {
	case "gcs":
		g, err := blob.NewGCSStore(ctx, c.Bucket, c.CredentialsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open gcs bucket %s: %w", c.Bucket, err)
		}
		return g, func() { g.Close() }, nil
	default:
		return blob.NewMemoryStore(), func() {}, nil
	}
}

func roomConfig(c *config.Config) room.Config {
	return room.Config{
		Capacity:            c.Room.Capacity,
		Period:              c.Room.Period,
		PresenceTTL:         c.Sync.PresenceTTL,
		CloseGrace:          c.Sync.CloseGrace,
		InactivityThreshold: c.Sync.InactivityThreshold,
	}
}

func syncConfig(c *config.Config) session.Config {
	return session.Config{
		PollInterval:      c.Sync.PollInterval,
		HeartbeatInterval: c.Sync.HeartbeatInterval,
		GCInterval:        c.Sync.GCInterval,
		StaleAfter:        c.Sync.StaleAfter,
		DegradedAfter:     c.Sync.DegradedAfter,
		ResolveCooldown:   c.Sync.ResolveCooldown,
		PeriodAlert:       c.Sync.PeriodAlert,
	}
}
