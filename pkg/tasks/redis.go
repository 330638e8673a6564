// Package tasks provides pending-task surface implementations. The real
// user-facing surface lives outside this service; these push the "payment
// needs attention" signal to it.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/driftwood-commerce/keel/pkg/orders"
)

// DefaultStream is the stream the task consumer reads.
const DefaultStream = "keel:pending-tasks"

// RedisSurface publishes payment tasks to a Redis stream for the task
// consumer to pick up.
type RedisSurface struct {
	client *redis.Client
	stream string
}

// NewRedisSurface creates a surface backed by Redis. An empty stream name
// uses DefaultStream.
func NewRedisSurface(addr, password string, db int, stream string) *RedisSurface {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSurface{client: rdb, stream: stream}
}

func (s *RedisSurface) RaisePaymentTask(ctx context.Context, task orders.PaymentTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("tasks: failed to marshal task: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"obligation_id": task.ObligationID,
			"order_id":      task.OrderID,
			"task":          payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("tasks: failed to publish task: %w", err)
	}
	return nil
}

func (s *RedisSurface) Close() error {
	return s.client.Close()
}
