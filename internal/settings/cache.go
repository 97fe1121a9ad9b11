package settings

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults 各参数的默认值
type Defaults struct {
	GForceThreshold     float64
	ConfirmationTimeout time.Duration
	SearchRadiusKm      int
}

// Cache 参数本地缓存：检测热路径只读内存，后台定期从 Provider 刷新
type Cache struct {
	provider Provider
	defaults Defaults
	logger   *zap.Logger

	mu        sync.RWMutex
	threshold float64
	timeout   time.Duration
	radiusKm  int
}

// NewCache 创建缓存（初始为默认值）
func NewCache(provider Provider, defaults Defaults, logger *zap.Logger) *Cache {
	return &Cache{
		provider:  provider,
		defaults:  defaults,
		logger:    logger,
		threshold: defaults.GForceThreshold,
		timeout:   defaults.ConfirmationTimeout,
		radiusKm:  defaults.SearchRadiusKm,
	}
}

// Refresh 从 Provider 重新读取全部参数
func (c *Cache) Refresh(ctx context.Context) {
	threshold := c.provider.GetFloat(ctx, KeyGForceThreshold, c.defaults.GForceThreshold)
	timeoutSec := c.provider.GetInt(ctx, KeyConfirmationTimeout, int(c.defaults.ConfirmationTimeout/time.Second))
	radius := c.provider.GetInt(ctx, KeyHospitalSearchRadius, c.defaults.SearchRadiusKm)

	c.mu.Lock()
	c.threshold = threshold
	c.timeout = time.Duration(timeoutSec) * time.Second
	c.radiusKm = radius
	c.mu.Unlock()

	c.logger.Debug("Settings refreshed",
		zap.Float64("g_force_threshold", threshold),
		zap.Int("confirmation_timeout_s", timeoutSec),
		zap.Int("hospital_search_radius_km", radius),
	)
}

// Run 定期刷新，直到 ctx 取消
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// GForceThreshold 碰撞 g 值阈值（检测器负责限幅）
func (c *Cache) GForceThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// ConfirmationTimeout 确认倒计时时长（控制器负责限幅）
func (c *Cache) ConfirmationTimeout(ctx context.Context) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// SearchRadiusKm 医疗机构搜索半径
func (c *Cache) SearchRadiusKm(ctx context.Context) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.radiusKm <= 0 {
		return c.defaults.SearchRadiusKm
	}
	return c.radiusKm
}
