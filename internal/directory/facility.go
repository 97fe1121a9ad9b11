package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"accident-alert/internal/config"
	"accident-alert/internal/location"
	"accident-alert/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrSearchUnavailable 未配置医疗机构搜索服务
var ErrSearchUnavailable = errors.New("facility search not configured")

// facilitySearchResponse 搜索服务响应
type facilitySearchResponse struct {
	Facilities []models.Facility `json:"facilities"`
}

// FacilityClient 附近医疗机构搜索（远程服务 + 熔断 + 本地兜底列表）
type FacilityClient struct {
	httpClient *resty.Client
	breaker    *gobreaker.CircuitBreaker[[]models.Facility]
	fallback   []config.FallbackFacility
	logger     *zap.Logger
}

// FacilityClientConfig 搜索客户端配置
type FacilityClientConfig struct {
	SearchURL       string
	APIKey          string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Fallback        []config.FallbackFacility
}

// NewFacilityClient 创建医疗机构搜索客户端（SearchURL 为空时只使用本地列表）
func NewFacilityClient(cfg FacilityClientConfig, logger *zap.Logger) *FacilityClient {
	c := &FacilityClient{
		fallback: cfg.Fallback,
		logger:   logger,
	}
	if cfg.SearchURL == "" {
		return c
	}

	c.httpClient = resty.New().
		SetBaseURL(cfg.SearchURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.httpClient.SetHeader("X-API-Key", cfg.APIKey)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]models.Facility](gobreaker.Settings{
		Name:        "facility-search",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// NewFacilityClientFromConfig 从服务配置创建
func NewFacilityClientFromConfig(cfg *config.Config, logger *zap.Logger) *FacilityClient {
	return NewFacilityClient(FacilityClientConfig{
		SearchURL:       cfg.Facility.SearchURL,
		APIKey:          cfg.Facility.APIKey,
		Timeout:         time.Duration(cfg.Facility.TimeoutSec) * time.Second,
		BreakerFailures: uint32(cfg.Facility.BreakerFailures),
		BreakerTimeout:  time.Duration(cfg.Facility.BreakerTimeoutSec) * time.Second,
		Fallback:        cfg.Facility.Fallback,
	}, logger)
}

// ListFacilities 半径内的医疗机构，按距离升序；远程失败或熔断时使用本地列表
func (c *FacilityClient) ListFacilities(ctx context.Context, lat, lon float64, radiusKm int) ([]models.Facility, error) {
	facilities, err := c.search(ctx, lat, lon, radiusKm)
	if err != nil {
		if !errors.Is(err, ErrSearchUnavailable) {
			c.logger.Warn("Facility search failed, using local fallback",
				zap.Float64("lat", lat),
				zap.Float64("lon", lon),
				zap.Int("radius_km", radiusKm),
				zap.Error(err),
			)
		}
		facilities = c.nearbyFallback(lat, lon, radiusKm)
	}

	sort.SliceStable(facilities, func(i, j int) bool {
		return facilities[i].DistanceKm < facilities[j].DistanceKm
	})
	return facilities, nil
}

func (c *FacilityClient) search(ctx context.Context, lat, lon float64, radiusKm int) ([]models.Facility, error) {
	if c.httpClient == nil {
		return nil, ErrSearchUnavailable
	}

	return c.breaker.Execute(func() ([]models.Facility, error) {
		var result facilitySearchResponse
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"lat":       strconv.FormatFloat(lat, 'f', 6, 64),
				"lon":       strconv.FormatFloat(lon, 'f', 6, 64),
				"radius_km": strconv.Itoa(radiusKm),
			}).
			SetResult(&result).
			Get("/facilities")
		if err != nil {
			return nil, fmt.Errorf("failed to call facility search: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("facility search returned status %d", resp.StatusCode())
		}

		out := make([]models.Facility, 0, len(result.Facilities))
		for _, f := range result.Facilities {
			if f.PhoneNumber == "" || f.DistanceKm > float64(radiusKm) {
				continue
			}
			out = append(out, f)
		}
		return out, nil
	})
}

// nearbyFallback 本地兜底列表中半径内的医疗机构
func (c *FacilityClient) nearbyFallback(lat, lon float64, radiusKm int) []models.Facility {
	out := make([]models.Facility, 0, len(c.fallback))
	for _, f := range c.fallback {
		d := location.DistanceKm(lat, lon, f.Latitude, f.Longitude)
		if d > float64(radiusKm) {
			continue
		}
		out = append(out, models.Facility{
			Name:        f.Name,
			PhoneNumber: f.PhoneNumber,
			DistanceKm:  d,
		})
	}
	return out
}
