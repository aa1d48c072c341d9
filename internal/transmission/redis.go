package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisTransmitter keeps the latest snapshot under one key and a capped
// history list next to it.
type RedisTransmitter struct {
	client    redis.Cmdable
	deviceID  string
	history   int64
	logger    *logrus.Logger
	connected atomic.Bool
}

func NewRedisTransmitter(client redis.Cmdable, deviceID string, history int, logger *logrus.Logger) *RedisTransmitter {
	if history < 1 {
		history = 1
	}
	return &RedisTransmitter{
		client:   client,
		deviceID: deviceID,
		history:  int64(history),
		logger:   logger,
	}
}

func latestKey(deviceID string) string {
	return fmt.Sprintf("dockstation:%s:status", deviceID)
}

func historyKey(deviceID string) string {
	return fmt.Sprintf("dockstation:%s:history", deviceID)
}

func (r *RedisTransmitter) Transmit(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, latestKey(r.deviceID), data, 0)
	pipe.LPush(ctx, historyKey(r.deviceID), data)
	pipe.LTrim(ctx, historyKey(r.deviceID), 0, r.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.connected.Store(false)
		return fmt.Errorf("redis write: %w", err)
	}
	r.connected.Store(true)

	r.logger.WithFields(logrus.Fields{
		"key":  latestKey(r.deviceID),
		"size": len(data),
	}).Debug("Stored station status in Redis")
	return nil
}

// IsConnected reports whether the last write succeeded.
func (r *RedisTransmitter) IsConnected() bool {
	return r.connected.Load()
}

// Ping checks the server, used once at start-up.
func (r *RedisTransmitter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := r.client.Ping(ctx).Err()
	r.connected.Store(err == nil)
	return err
}
