// Package settings 运行时可调参数（Redis hash），带本地缓存
package settings

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 参数键
const (
	KeyGForceThreshold      = "g_force_threshold"
	KeyConfirmationTimeout  = "confirmation_timeout_s"
	KeyHospitalSearchRadius = "hospital_search_radius_km"
)

// Provider 参数读取（缺失或无法解析时返回默认值）
type Provider interface {
	GetFloat(ctx context.Context, key string, def float64) float64
	GetInt(ctx context.Context, key string, def int) int
}

// RedisProvider 基于 Redis hash 的参数存储
// 键: <prefix>settings
type RedisProvider struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisProvider 创建参数存储
func NewRedisProvider(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisProvider {
	return &RedisProvider{
		client: client,
		key:    keyPrefix + "settings",
		logger: logger,
	}
}

// GetFloat 读取浮点参数
func (p *RedisProvider) GetFloat(ctx context.Context, key string, def float64) float64 {
	raw, ok := p.get(ctx, key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.logger.Warn("Invalid float setting, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Float64("default", def),
		)
		return def
	}
	return v
}

// GetInt 读取整数参数
func (p *RedisProvider) GetInt(ctx context.Context, key string, def int) int {
	raw, ok := p.get(ctx, key)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.logger.Warn("Invalid int setting, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Int("default", def),
		)
		return def
	}
	return v
}

// Set 写入参数
func (p *RedisProvider) Set(ctx context.Context, key string, value interface{}) error {
	if err := p.client.HSet(ctx, p.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (p *RedisProvider) get(ctx context.Context, key string) (string, bool) {
	raw, err := p.client.HGet(ctx, p.key, key).Result()
	if err != nil {
		if err != redis.Nil {
			p.logger.Warn("Failed to read setting, using default",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return "", false
	}
	return raw, true
}
