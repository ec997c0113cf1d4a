// Package gc removes refresh token records nobody can use anymore
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/authtoken/internal/logger"
)

const (
	DefaultInterval  = time.Hour
	DefaultRetention = 24 * time.Hour
)

type expiredDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// How often to collect
	Interval time.Duration

	// Records stay this long after expiry, for audit of late replays
	Retention time.Duration

	Logger logger.Logger
	Now    func() time.Time
}

type Collector struct {
	interval  time.Duration
	retention time.Duration

	store  expiredDeleter
	logger logger.Logger
	now    func() time.Time
}

func New(cfg Config, store expiredDeleter) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention < 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Collector{
		interval:  cfg.Interval,
		retention: cfg.Retention,
		store:     store,
		logger:    cfg.Logger.With("component", "gc"),
		now:       cfg.Now,
	}
}

// Collect deletes records expired before now - retention, once
func (c *Collector) Collect(ctx context.Context) (int64, error) {
	before := c.now().Add(-c.retention)

	deleted, err := c.store.DeleteExpired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("error while deleting expired tokens. Err: %w", err)
	}

	return deleted, nil
}

// Run collects every interval until ctx is done
// Returned channel is closed when collector stopped
func (c *Collector) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	c.logger.Debug("Starting collector", "interval", c.interval, "retention", c.retention)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.logger.Debug("Collector stopped by context")
				return

			case <-ticker.C:
				deleted, err := c.Collect(ctx)
				if err != nil {
					c.logger.Error("Failed to collect expired tokens", "error", err)
					continue
				}
				c.logger.Info("Expired tokens collected", "deleted", deleted)
			}
		}
	}()

	return idleStopped
}
