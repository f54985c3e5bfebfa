// Package publish forwards hub events to external systems.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	History  int64  `yaml:"history"` // entries kept per source and type, 0 disables
}

// RedisSink publishes every event on a pub/sub channel and keeps a capped
// history list per source and event type.
type RedisSink struct {
	client  *redis.Client
	channel string
	history int64
	log     *logrus.Entry
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg RedisConfig, log *logrus.Entry) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis %s", cfg.Addr)
	}
	s := newRedisSink(client, cfg, log)
	s.log.Infof("redis connected at %s, channel %s", cfg.Addr, s.channel)
	return s, nil
}

func newRedisSink(client *redis.Client, cfg RedisConfig, log *logrus.Entry) *RedisSink {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Channel == "" {
		cfg.Channel = "redex:events"
	}
	return &RedisSink{client: client, channel: cfg.Channel, history: cfg.History, log: log}
}

func (s *RedisSink) Name() string { return "redis" }

// HistoryKey is the list holding recent events of one type from one source.
func HistoryKey(e events.Event) string {
	return fmt.Sprintf("redex:%s:%s", e.Source, e.Type)
}

func (s *RedisSink) Publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.channel, data)
	if s.history > 0 && e.Source != "" {
		key := HistoryKey(e)
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.history-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
