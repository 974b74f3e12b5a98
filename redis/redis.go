package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"khisima/logger"

	"github.com/redis/go-redis/v9"
)

const (
	PresenceKey     = "agent:presence"
	PresenceChannel = "agent:presence:events"
)

type RedisClient struct {
	Client *redis.Client
	log    *logger.Logger
}

// RedisConfig 用于配置 Redis 连接
type RedisConfig struct {
	Addr     string // addr
	Password string // 密码
	DB       int    // 数据库编号
	PoolSize int    // 连接池大小
}

// NewRedisClient 初始化并返回一个新的 RedisClient 实例
func NewRedisClient(cfg *RedisConfig, log *logger.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// PING 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisClient{Client: client, log: log.With("component", "Redis")}, nil
}

// Close 关闭 Redis 连接
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// GetPresence 读取全局在线标记，键不存在视为离线
func (r *RedisClient) GetPresence(ctx context.Context) (bool, error) {
	v, err := r.Client.Get(ctx, PresenceKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get presence: %w", err)
	}
	return v == "1", nil
}

// SetPresence 写入标记并通知所有实例
func (r *RedisClient) SetPresence(ctx context.Context, online bool) error {
	v := "0"
	if online {
		v = "1"
	}
	if err := r.Client.Set(ctx, PresenceKey, v, 0).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if err := r.Client.Publish(ctx, PresenceChannel, v).Err(); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// SubscribePresence 阻塞直到 ctx 结束，每次变更回调 fn
func (r *RedisClient) SubscribePresence(ctx context.Context, fn func(online bool)) error {
	sub := r.Client.Subscribe(ctx, PresenceChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe presence: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			online, err := strconv.ParseBool(msg.Payload)
			if err != nil {
				r.log.Warn("bad presence payload", "payload", msg.Payload)
				continue
			}
			fn(online)
		}
	}
}
