// Package redis connects the residency cache backend.
package redis

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"beacon/internal/platform/config"
)

// Client is a pinged go-redis client.
type Client struct {
	*redis.Client
}

// New dials cfg.URL and pings it. It returns (nil, nil) when no URL is set.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health satisfies the readiness check signature.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// RegisterMetrics exports the connection pool statistics, read on every scrape.
func (c *Client) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(&poolCollector{client: c.Client})
}

var (
	poolHitsDesc = prometheus.NewDesc("beacon_redis_pool_hits_total",
		"Connections found idle in the pool.", nil, nil)
	poolMissesDesc = prometheus.NewDesc("beacon_redis_pool_misses_total",
		"Connections that had to be dialed.", nil, nil)
	poolTimeoutsDesc = prometheus.NewDesc("beacon_redis_pool_timeouts_total",
		"Waits for a pooled connection that timed out.", nil, nil)
	poolStaleDesc = prometheus.NewDesc("beacon_redis_pool_stale_conns_total",
		"Stale connections removed from the pool.", nil, nil)
	poolTotalDesc = prometheus.NewDesc("beacon_redis_pool_conns",
		"Connections currently in the pool.", nil, nil)
	poolIdleDesc = prometheus.NewDesc("beacon_redis_pool_idle_conns",
		"Idle connections currently in the pool.", nil, nil)
)

type poolCollector struct {
	client *redis.Client
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolHitsDesc
	ch <- poolMissesDesc
	ch <- poolTimeoutsDesc
	ch <- poolStaleDesc
	ch <- poolTotalDesc
	ch <- poolIdleDesc
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.client.PoolStats()
	ch <- prometheus.MustNewConstMetric(poolHitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(poolMissesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(poolTimeoutsDesc, prometheus.CounterValue, float64(s.Timeouts))
	ch <- prometheus.MustNewConstMetric(poolStaleDesc, prometheus.CounterValue, float64(s.StaleConns))
	ch <- prometheus.MustNewConstMetric(poolTotalDesc, prometheus.GaugeValue, float64(s.TotalConns))
	ch <- prometheus.MustNewConstMetric(poolIdleDesc, prometheus.GaugeValue, float64(s.IdleConns))
}
