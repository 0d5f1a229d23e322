// Package redisbridge adapts DOMES's session/telemetry state onto
// Redis, grounded directly on the teacher's pkg/redis.Client
// (HSet+Publish pipelining, Subscribe, BRPop) and the
// WatchRedisCommands/SubscribeToRedisChannels pattern from
// pkg/service/redis_handlers.go — the same "publish state changes,
// watch a command list" shape, repointed at OTA session state and a
// confirm/rollback/abort control list instead of BLE characteristics.
package redisbridge

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key/channel/list name formats this bridge owns, pod-scoped per §4.8
// so a fleet-monitoring tool watching one Redis instance can tell many
// pods' OTA sessions apart. Like the teacher's constants.go, these are
// the one place the wire names live.
const (
	keyFormat    = "domes:ota:%s"         // hash: state, bytes_received, total_bytes
	listFormat   = "domes:ota:%s:control" // BRPOP'd command list: "confirm" | "rollback" | "abort"
	defaultPodID = "default"              // used when the caller has no pod identifier to give
)

// Client wraps a go-redis client with DOMES's session-publication and
// control-watching methods, scoped to one pod's keys.
type Client struct {
	rdb *redis.Client
	ctx context.Context

	key     string
	channel string
	list    string
}

// New connects to Redis at addr, mirroring pkg/redis.Client's New, and
// scopes this client's hash/channel/list to podID (falling back to
// defaultPodID when the caller has none, e.g. a single-device setup).
func New(addr, password string, db int, podID string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisbridge: connect to redis at %s: %w", addr, err)
	}
	if podID == "" {
		podID = defaultPodID
	}
	key := fmt.Sprintf(keyFormat, podID)
	return &Client{
		rdb:     rdb,
		ctx:     ctx,
		key:     key,
		channel: key, // channel matches the hash key, per the teacher's key==channel convention
		list:    fmt.Sprintf(listFormat, podID),
	}, nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

// PublishState writes one OTA field to this pod's hash and publishes
// the field name on its channel, pipelined exactly like the teacher's
// WriteAndPublishString/WriteAndPublishInt.
func (c *Client) PublishState(field, value string) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(c.ctx, c.key, field, value)
	pipe.Publish(c.ctx, c.channel, field)
	_, err := pipe.Exec(c.ctx)
	return err
}

// PublishProgress reports bytes_received/total_bytes/state together
// in one pipeline, for use as a sender/receiver progress callback.
func (c *Client) PublishProgress(state string, bytesDone, totalBytes uint32) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(c.ctx, c.key, "state", state)
	pipe.HSet(c.ctx, c.key, "bytes_received", strconv.FormatUint(uint64(bytesDone), 10))
	pipe.HSet(c.ctx, c.key, "total_bytes", strconv.FormatUint(uint64(totalBytes), 10))
	pipe.Publish(c.ctx, c.channel, "state")
	_, err := pipe.Exec(c.ctx)
	return err
}

// ControlHandlers dispatches off the three commands this pod's control
// list ever carries.
type ControlHandlers struct {
	OnConfirm  func() error
	OnRollback func() error
	OnAbort    func() error
}

// WatchControl blocks, BRPOPing commands off this pod's control list
// and dispatching them to handlers, until ctx is done. Unknown
// commands are logged and ignored, matching the teacher's
// WatchRedisCommands/"Unknown command received" handling.
func (c *Client) WatchControl(ctx context.Context, handlers ControlHandlers) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.rdb.BRPop(ctx, 1*time.Second, c.list).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("redisbridge: error receiving control command: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}
		if len(result) != 2 {
			log.Printf("redisbridge: unexpected BRPOP result: %v", result)
			continue
		}

		command := result[1]
		log.Printf("redisbridge: received control command: %s", command)
		var handlerErr error
		switch command {
		case "confirm":
			if handlers.OnConfirm != nil {
				handlerErr = handlers.OnConfirm()
			}
		case "rollback":
			if handlers.OnRollback != nil {
				handlerErr = handlers.OnRollback()
			}
		case "abort":
			if handlers.OnAbort != nil {
				handlerErr = handlers.OnAbort()
			}
		default:
			log.Printf("redisbridge: unknown control command: %s", command)
		}
		if handlerErr != nil {
			log.Printf("redisbridge: control command %q failed: %v", command, handlerErr)
		}
	}
}
