package confirmation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"accident-alert/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PendingRecord 持久化的挂起倒计时
type PendingRecord struct {
	ID        string                `json:"id"`
	Candidate models.CrashCandidate `json:"candidate"`
	Location  models.Coordinates    `json:"location"`
	StartedAt time.Time             `json:"started_at"`
	Deadline  time.Time             `json:"deadline"`
}

// PendingStore 挂起倒计时存储（用于重启恢复）
type PendingStore interface {
	Save(ctx context.Context, rec PendingRecord) error
	Load(ctx context.Context) (*PendingRecord, error)
	Delete(ctx context.Context, id string) error
}

// RedisPendingStore 基于 Redis 的挂起倒计时存储
// 键: <prefix>pending_run，值为 JSON，带 TTL
type RedisPendingStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPendingStore 创建存储
func NewRedisPendingStore(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisPendingStore {
	return &RedisPendingStore{
		client: client,
		key:    keyPrefix + "pending_run",
		ttl:    ttl,
		logger: logger,
	}
}

// Save 写入挂起记录
func (s *RedisPendingStore) Save(ctx context.Context, rec PendingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal pending run: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pending run: %w", err)
	}
	return nil
}

// Load 读取挂起记录，不存在时返回 nil
func (s *RedisPendingStore) Load(ctx context.Context) (*PendingRecord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load pending run: %w", err)
	}

	var rec PendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// 损坏的记录直接丢弃，避免每次启动都失败
		s.logger.Warn("Discarding corrupt pending run record", zap.Error(err))
		s.client.Del(ctx, s.key)
		return nil, nil
	}
	return &rec, nil
}

// Delete 删除挂起记录（只删除 ID 匹配的记录）
func (s *RedisPendingStore) Delete(ctx context.Context, id string) error {
	rec, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if rec == nil || rec.ID != id {
		return nil
	}
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete pending run: %w", err)
	}
	return nil
}
