// Package location 多来源定位融合
//
// 校验规则（全部满足才接受）：
//   - 坐标不是 (0,0)，且在合法范围内
//   - 定位时间不超过 MaxFixAge（默认 30 秒）
//   - 精度不超过 MaxAccuracyMeters（默认 50 米）
//   - 与当前定位相比隐含速度不超过 MaxSpeedMps（默认 50 m/s）
//
// 替换规则（按顺序，第一条命中即生效）：
//  1. 当前无定位 → 接受
//  2. 新定位来自 primary 而当前不是 → 接受
//  3. 同来源且精度更好 → 接受
//  4. 不同来源但精度小于当前的一半 → 接受
//  5. 当前定位已超过 MaxFixAge/2 → 接受较新的定位
//  6. 否则保留当前定位
package location

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"accident-alert/internal/metrics"
	"accident-alert/internal/models"
	"accident-alert/internal/timeutil"

	"go.uber.org/zap"
)

var (
	// ErrInvalidFix 定位不合法（以下错误均包装该错误）
	ErrInvalidFix       = errors.New("invalid location fix")
	ErrNullIsland       = fmt.Errorf("%w: coordinates are exactly (0,0)", ErrInvalidFix)
	ErrOutOfRange       = fmt.Errorf("%w: coordinates out of range", ErrInvalidFix)
	ErrStaleFix         = fmt.Errorf("%w: fix is too old", ErrInvalidFix)
	ErrInaccurateFix    = fmt.Errorf("%w: accuracy exceeds limit", ErrInvalidFix)
	ErrImplausibleSpeed = fmt.Errorf("%w: implied speed exceeds limit", ErrInvalidFix)
)

// Config 定位校验参数
type Config struct {
	MaxFixAge         time.Duration
	MaxAccuracyMeters float64
	MaxSpeedMps       float64
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		MaxFixAge:         30 * time.Second,
		MaxAccuracyMeters: 50,
		MaxSpeedMps:       50,
	}
}

// minSpeedInterval 计算速度时的最小时间间隔，避免同一时刻的两个定位产生无穷大速度
const minSpeedInterval = time.Second

// Tracker 定位追踪器（只通过 OnFix 修改，读取方看到一致的快照）
type Tracker struct {
	mu       sync.RWMutex
	cfg      Config
	clock    timeutil.Clock
	logger   *zap.Logger
	current  *models.LocationFix
	previous *models.LocationFix
}

// NewTracker 创建定位追踪器
func NewTracker(cfg Config, clock timeutil.Clock, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// OnFix 处理新的定位，返回是否被接受为当前最佳定位
func (t *Tracker) OnFix(fix models.LocationFix) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	source := string(fix.Source)
	if err := t.validateLocked(fix); err != nil {
		metrics.LocationFixesTotal.WithLabelValues(source, "rejected_invalid").Inc()
		t.logger.Debug("Location fix rejected",
			zap.String("source", source),
			zap.Float64("accuracy_m", fix.AccuracyMeters),
			zap.Error(err),
		)
		return false
	}

	if !t.shouldUpdateLocked(fix) {
		metrics.LocationFixesTotal.WithLabelValues(source, "rejected_policy").Inc()
		return false
	}

	t.previous = t.current
	accepted := fix
	t.current = &accepted
	metrics.LocationFixesTotal.WithLabelValues(source, "accepted").Inc()

	t.logger.Debug("Location fix accepted",
		zap.String("source", source),
		zap.Float64("accuracy_m", fix.AccuracyMeters),
	)
	return true
}

// Validate 校验定位，返回不合法原因
func (t *Tracker) Validate(fix models.LocationFix) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validateLocked(fix)
}

// IsValidLocation 定位是否合法
func (t *Tracker) IsValidLocation(fix models.LocationFix) bool {
	return t.Validate(fix) == nil
}

// ShouldUpdate 合法定位是否应替换当前定位
func (t *Tracker) ShouldUpdate(fix models.LocationFix) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.shouldUpdateLocked(fix)
}

// BestLocation 最近一次被接受的定位；从未接受过时返回 false（调用方必须按未知处理）
func (t *Tracker) BestLocation() (models.LocationFix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return models.LocationFix{}, false
	}
	return *t.current, true
}

// PreviousLocation 上一个被接受的定位
func (t *Tracker) PreviousLocation() (models.LocationFix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.previous == nil {
		return models.LocationFix{}, false
	}
	return *t.previous, true
}

// HasValidLocation 是否有未过期的最佳定位
func (t *Tracker) HasValidLocation() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current != nil && t.ageLocked(*t.current) <= t.cfg.MaxFixAge
}

// Snapshot 当前最佳定位的坐标快照（无定位时为未知）
func (t *Tracker) Snapshot() models.Coordinates {
	fix, ok := t.BestLocation()
	if !ok {
		return models.UnknownLocation()
	}
	return models.CoordinatesOf(fix)
}

func (t *Tracker) validateLocked(fix models.LocationFix) error {
	if fix.Latitude == 0 && fix.Longitude == 0 {
		return ErrNullIsland
	}
	if math.IsNaN(fix.Latitude) || math.IsNaN(fix.Longitude) ||
		fix.Latitude < -90 || fix.Latitude > 90 ||
		fix.Longitude < -180 || fix.Longitude > 180 {
		return ErrOutOfRange
	}
	if t.ageLocked(fix) > t.cfg.MaxFixAge {
		return ErrStaleFix
	}
	if fix.AccuracyMeters < 0 || fix.AccuracyMeters > t.cfg.MaxAccuracyMeters {
		return ErrInaccurateFix
	}
	if t.current != nil {
		if speed := impliedSpeed(*t.current, fix); speed > t.cfg.MaxSpeedMps {
			return fmt.Errorf("%w (%.1f m/s)", ErrImplausibleSpeed, speed)
		}
	}
	return nil
}

func (t *Tracker) shouldUpdateLocked(fix models.LocationFix) bool {
	cur := t.current
	switch {
	case cur == nil:
		return true
	case fix.Source == models.LocationSourcePrimary && cur.Source != models.LocationSourcePrimary:
		return true
	case fix.Source == cur.Source && fix.AccuracyMeters < cur.AccuracyMeters:
		return true
	case fix.Source != cur.Source && fix.AccuracyMeters < cur.AccuracyMeters/2:
		return true
	case t.ageLocked(*cur) > t.cfg.MaxFixAge/2 && fix.Timestamp.After(cur.Timestamp):
		return true
	default:
		return false
	}
}

// ageLocked 定位时长（未来时间按 0 处理）
func (t *Tracker) ageLocked(fix models.LocationFix) time.Duration {
	age := t.clock.Since(fix.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

func impliedSpeed(from, to models.LocationFix) float64 {
	dt := to.Timestamp.Sub(from.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	if dt < minSpeedInterval {
		dt = minSpeedInterval
	}
	return DistanceMeters(from.Latitude, from.Longitude, to.Latitude, to.Longitude) / dt.Seconds()
}
