package redis

import (
	"context"
	"fmt"
	"time"
)

func onlineKey(room string) string {
	return fmt.Sprintf("agent:room:%s:online", room)
}

// OnlineTracker 每个房间一个 Hash：field 为连接ID，value 为角色
type OnlineTracker struct {
	r   *RedisClient
	ttl time.Duration
}

func NewOnlineTracker(r *RedisClient) *OnlineTracker {
	return &OnlineTracker{r: r, ttl: 24 * time.Hour}
}

func (t *OnlineTracker) Join(ctx context.Context, room, connID, role string) error {
	key := onlineKey(room)
	pipe := t.r.Client.TxPipeline()
	pipe.HSet(ctx, key, connID, role)
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark %s online: %w", room, err)
	}
	return nil
}

func (t *OnlineTracker) Leave(ctx context.Context, room, connID string) error {
	if err := t.r.Client.HDel(ctx, onlineKey(room), connID).Err(); err != nil {
		return fmt.Errorf("mark %s offline: %w", room, err)
	}
	return nil
}

// VisitorOnline 房间内是否还有访客连接
func (t *OnlineTracker) VisitorOnline(ctx context.Context, room string) (bool, error) {
	result, err := t.r.Client.HGetAll(ctx, onlineKey(room)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to fetch online users for room %s: %w", room, err)
	}
	for _, role := range result {
		if role == "user" {
			return true, nil
		}
	}
	return false, nil
}

func (t *OnlineTracker) Forget(ctx context.Context, room string) error {
	return t.r.Client.Del(ctx, onlineKey(room)).Err()
}
