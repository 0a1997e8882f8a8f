package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/charging-platform/ocpp-csms/internal/config"
)

// ErrConnectionNotFound 充电桩未登记连接
var ErrConnectionNotFound = errors.New("connection not found")

// RedisRegistry 使用Redis存储连接归属，供多Pod共享
type RedisRegistry struct {
	Client *redis.Client
	Prefix string
}

// NewRedisRegistry 创建RedisRegistry并验证连通性
func NewRedisRegistry(cfg config.RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "csms"
	}
	return &RedisRegistry{Client: client, Prefix: prefix + ":conn:"}, nil
}

// SetConnection 登记或刷新充电桩连接归属
func (r *RedisRegistry) SetConnection(ctx context.Context, chargerID string, podID string, ttl time.Duration) error {
	return r.Client.Set(ctx, r.Prefix+chargerID, podID, ttl).Err()
}

// GetConnection 查询充电桩当前归属的Pod
func (r *RedisRegistry) GetConnection(ctx context.Context, chargerID string) (string, error) {
	val, err := r.Client.Get(ctx, r.Prefix+chargerID).Result()
	if err == redis.Nil {
		return "", ErrConnectionNotFound
	}
	return val, err
}

// DeleteConnection 注销充电桩连接登记
func (r *RedisRegistry) DeleteConnection(ctx context.Context, chargerID string) error {
	return r.Client.Del(ctx, r.Prefix+chargerID).Err()
}

// Close 关闭Redis客户端
func (r *RedisRegistry) Close() error {
	return r.Client.Close()
}
