// Package livestate mirrors fleet state into redis so dashboards and other
// consumers can read it without touching the control API.
package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voltfleet/internal/manager"
)

const (
	stationKeyPrefix = "voltfleet:stations:"
	priceKey         = "voltfleet:price"
	totalsKey        = "voltfleet:totals"

	defaultInterval = 2 * time.Second
	defaultTTL      = 30 * time.Second
)

// Publisher periodically writes station snapshots and fleet totals to redis.
// Keys carry a TTL so stale entries disappear when the simulator stops.
type Publisher struct {
	client   *redis.Client
	fleet    *manager.Manager
	logger   *zap.Logger
	interval time.Duration
	ttl      time.Duration
}

// NewPublisher builds a publisher. interval and ttl of zero pick defaults.
func NewPublisher(client *redis.Client, fleet *manager.Manager, interval, ttl time.Duration, logger *zap.Logger) *Publisher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Publisher{
		client:   client,
		fleet:    fleet,
		logger:   logger.With(zap.String("component", "livestate")),
		interval: interval,
		ttl:      ttl,
	}
}

// Run publishes on the configured interval until ctx is cancelled.
// Publish errors are logged and the loop keeps going.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("livestate publisher started", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.publish(ctx); err != nil {
				p.logger.Warn("livestate publish failed", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	pipe := p.client.Pipeline()

	for _, snap := range p.fleet.Snapshots() {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("livestate: marshal snapshot %s: %w", snap.ID, err)
		}
		pipe.Set(ctx, stationKeyPrefix+snap.ID, data, p.ttl)
	}

	totals, err := json.Marshal(p.fleet.Totals())
	if err != nil {
		return fmt.Errorf("livestate: marshal totals: %w", err)
	}
	pipe.Set(ctx, totalsKey, totals, p.ttl)
	pipe.Set(ctx, priceKey, p.fleet.Price(), p.ttl)

	_, err = pipe.Exec(ctx)
	return err
}
