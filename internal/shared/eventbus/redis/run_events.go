// Package redis Run 事件总线 Redis Streams 实现
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mlrun-admin/internal/shared/eventbus"
)

// Store Redis 事件总线存储
type Store struct {
	client *redis.Client
}

var _ eventbus.EventBus = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建事件总线实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

func runEventsKey(runID string) string {
	return eventbus.KeyRunEvents + runID
}

// PublishRunEvent 发布 Run 事件
func (s *Store) PublishRunEvent(ctx context.Context, runID string, event *eventbus.RunEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: runEventsKey(runID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]any{
			"type":      event.Type,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	event.ID, event.RunID = id, runID
	return nil
}

// GetRunEvents 读取 Run 事件
func (s *Store) GetRunEvents(ctx context.Context, runID string, fromID string, count int64) ([]*eventbus.RunEvent, error) {
	start := "-"
	if fromID != "" {
		start = "(" + fromID
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, runEventsKey(runID), start, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, runEventsKey(runID), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}

	events := make([]*eventbus.RunEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev := &eventbus.RunEvent{ID: msg.ID, RunID: runID}
		ev.Type, _ = msg.Values["type"].(string)
		if ts, ok := msg.Values["timestamp"].(string); ok {
			ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		}
		if raw, ok := msg.Values["payload"].(string); ok {
			_ = json.Unmarshal([]byte(raw), &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetRunEventCount 事件数量
func (s *Store) GetRunEventCount(ctx context.Context, runID string) (int64, error) {
	return s.client.XLen(ctx, runEventsKey(runID)).Result()
}

// DeleteRunEvents 删除 Run 事件流
func (s *Store) DeleteRunEvents(ctx context.Context, runID string) error {
	return s.client.Del(ctx, runEventsKey(runID)).Err()
}
