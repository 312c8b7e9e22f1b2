package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyServoPrefix prefixes the per-servo telemetry hash keys.
const KeyServoPrefix = "servo:"

// ServoKey returns the telemetry hash key for one servo id.
func ServoKey(id byte) string {
	return fmt.Sprintf("%s%d", KeyServoPrefix, id)
}

// Client wraps the redis connection the bridge mirrors servo state into.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a new Redis client
func New(addr string, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// WriteAndPublishString writes a string value to a hash field and publishes
// the update on the key's channel
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// WriteAndPublishInt writes an integer value to a hash field and publishes
// the update on the key's channel
func (c *Client) WriteAndPublishInt(key, field string, value int) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%d", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// LPush performs an LPUSH command on the specified list key.
func (c *Client) LPush(key string, value string) error {
	_, err := c.client.LPush(c.ctx, key, value).Result()
	if err != nil {
		log.Printf("Failed to LPUSH to key %s: %v", key, err)
		return err
	}
	return nil
}

// BRPop performs a blocking right pop (BRPOP) on a Redis list.
// It waits for 'timeout'. If timeout is 0, it blocks indefinitely.
func (c *Client) BRPop(timeout time.Duration, key string) ([]string, error) {
	result, err := c.client.BRPop(c.ctx, timeout, key).Result()
	if err != nil {
		// redis.Nil indicates a timeout occurred, which is not an error
		// for a blocking poll
		if err == redis.Nil {
			return nil, nil
		}
		log.Printf("Error during BRPOP on key %s: %v", key, err)
		return nil, err
	}
	// result is []string{key, value}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected result from BRPOP: %v", result)
	}
	return result, nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	return c.client.Close()
}
