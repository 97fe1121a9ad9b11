package models

import (
	"fmt"
	"time"
)

// LocationSource 定位来源
type LocationSource string

const (
	LocationSourcePrimary   LocationSource = "primary"   // GNSS 等高精度来源
	LocationSourceSecondary LocationSource = "secondary" // 网络定位等低精度来源
)

// LocationFix 单次定位结果
type LocationFix struct {
	Latitude       float64        `json:"lat"`
	Longitude      float64        `json:"lon"`
	AccuracyMeters float64        `json:"accuracy"`
	Source         LocationSource `json:"source"`
	Timestamp      time.Time      `json:"ts"`
}

// Coordinates 事件坐标（Known=false 表示位置未知，绝不能按 (0,0) 处理）
type Coordinates struct {
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lon,omitempty"`
	Known     bool    `json:"known"`
}

// UnknownLocation 位置未知
func UnknownLocation() Coordinates {
	return Coordinates{}
}

// CoordinatesOf 从定位结果构建坐标
func CoordinatesOf(fix LocationFix) Coordinates {
	return Coordinates{Latitude: fix.Latitude, Longitude: fix.Longitude, Known: true}
}

// String 格式化坐标
func (c Coordinates) String() string {
	if !c.Known {
		return "unknown"
	}
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}
