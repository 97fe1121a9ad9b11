package models

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// StandardGravity 标准重力加速度（m/s²）
const StandardGravity = 9.81

// MotionSample 三轴加速度采样（对应传感器单次上报）
type MotionSample struct {
	TimestampMs int64   `json:"ts"` // 单调时间戳（毫秒）
	X           float64 `json:"x"`  // m/s²
	Y           float64 `json:"y"`  // m/s²
	Z           float64 `json:"z"`  // m/s²
}

// Magnitude 加速度模长 sqrt(x²+y²+z²)
func (s MotionSample) Magnitude() float64 {
	return floats.Norm([]float64{s.X, s.Y, s.Z}, 2)
}

// GForce 以标准重力为单位的加速度
func (s MotionSample) GForce() float64 {
	return s.Magnitude() / StandardGravity
}

// CrashCandidate 待确认的碰撞候选事件
type CrashCandidate struct {
	PeakGForce        float64   `json:"peak_g_force"`
	SampleTimestampMs int64     `json:"sample_ts"`
	DetectedAt        time.Time `json:"detected_at"`
}
