// Package detector 实现基于加速度信号的碰撞检测
//
// 检测流程：
//   - 节流：与上一个被接受的采样间隔小于 MinSampleInterval 的采样直接丢弃
//   - 缓冲区满 N 个采样后，扫描窗口内是否有超过阈值的采样（候选预选）
//   - 去抖：最近 3 个采样中至少 2 个超过阈值才产生 Candidate，否则为 FalsePositive
//   - 产生 Candidate 后进入锁存状态，忽略后续采样，直到调用方 Reset
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"accident-alert/internal/metrics"
	"accident-alert/internal/models"
	"accident-alert/internal/timeutil"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

const (
	DefaultWindowSize          = 10
	DefaultMinSampleIntervalMs = 50
	DefaultThreshold           = 3.5
	MinThreshold               = 1.0
	MaxThreshold               = 10.0

	debounceWindow   = 3
	debounceRequired = 2
)

var (
	// ErrSensorUnavailable 没有可用的加速度传感器
	ErrSensorUnavailable = errors.New("acceleration sensor unavailable")
	// ErrAlreadyMonitoring 已经在监测中
	ErrAlreadyMonitoring = errors.New("analyzer is already monitoring")
)

// ResultKind 检测结果类型
type ResultKind int

const (
	ResultNone ResultKind = iota
	ResultCandidate
	ResultFalsePositive
)

func (k ResultKind) String() string {
	switch k {
	case ResultCandidate:
		return "candidate"
	case ResultFalsePositive:
		return "false_positive"
	default:
		return "none"
	}
}

// DetectionResult 单次采样的检测结果
type DetectionResult struct {
	Kind       ResultKind
	Candidate  *models.CrashCandidate // 仅 ResultCandidate 时非空
	PeakGForce float64                // 窗口内峰值（None 时为 0）
}

// ThresholdSource 阈值来源，每次评估都会重新读取
type ThresholdSource interface {
	GForceThreshold() float64
}

// ThresholdFunc 函数适配器
type ThresholdFunc func() float64

func (f ThresholdFunc) GForceThreshold() float64 { return f() }

// MotionSource 运动传感器能力
type MotionSource interface {
	Available() bool
	Samples(ctx context.Context) (<-chan models.MotionSample, error)
}

// Options Analyzer 参数
type Options struct {
	WindowSize          int
	MinSampleIntervalMs int64
	Threshold           ThresholdSource
	Clock               timeutil.Clock
}

// Analyzer 运动信号分析器（单生产者；Ingest 不做任何 I/O）
type Analyzer struct {
	mu            sync.Mutex
	buf           *SignalBuffer
	minIntervalMs int64
	threshold     ThresholdSource
	clock         timeutil.Clock
	logger        *zap.Logger

	lastAcceptedMs int64
	hasLast        bool
	latched        bool
	halted         bool

	// 监测循环
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnalyzer 创建分析器
func NewAnalyzer(opts Options, logger *zap.Logger) *Analyzer {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	} else if opts.WindowSize < debounceWindow {
		// 窗口至少容纳一次去抖判断
		opts.WindowSize = debounceWindow
	}
	if opts.MinSampleIntervalMs < 0 {
		opts.MinSampleIntervalMs = DefaultMinSampleIntervalMs
	}
	if opts.Threshold == nil {
		opts.Threshold = ThresholdFunc(func() float64 { return DefaultThreshold })
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Analyzer{
		buf:           NewSignalBuffer(opts.WindowSize),
		minIntervalMs: opts.MinSampleIntervalMs,
		threshold:     opts.Threshold,
		clock:         opts.Clock,
		logger:        logger,
	}
}

// ClampThreshold 将阈值限制在 [1.0, 10.0]
func ClampThreshold(t float64) float64 {
	if math.IsNaN(t) {
		return DefaultThreshold
	}
	return math.Max(MinThreshold, math.Min(MaxThreshold, t))
}

// Ingest 处理一个采样
func (a *Analyzer) Ingest(sample models.MotionSample) DetectionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.halted || a.latched {
		metrics.SamplesTotal.WithLabelValues("ignored").Inc()
		return DetectionResult{Kind: ResultNone}
	}

	// 1. 节流
	if a.hasLast && sample.TimestampMs-a.lastAcceptedMs < a.minIntervalMs {
		metrics.SamplesTotal.WithLabelValues("throttled").Inc()
		return DetectionResult{Kind: ResultNone}
	}
	a.lastAcceptedMs = sample.TimestampMs
	a.hasLast = true
	a.buf.Push(sample)
	metrics.SamplesTotal.WithLabelValues("accepted").Inc()

	// 2. 缓冲区未满不评估
	if !a.buf.Full() {
		return DetectionResult{Kind: ResultNone}
	}

	return a.evaluate()
}

// evaluate 评估当前窗口（调用方持有锁）
func (a *Analyzer) evaluate() DetectionResult {
	threshold := ClampThreshold(a.threshold.GForceThreshold())

	window := a.buf.Slice()
	gs := make([]float64, len(window))
	for i, s := range window {
		gs[i] = s.GForce()
	}

	// 3. 预选：窗口内是否有超过阈值的采样
	peakIdx := floats.MaxIdx(gs)
	peak := gs[peakIdx]
	if peak <= threshold {
		return DetectionResult{Kind: ResultNone}
	}

	// 4. 去抖：最近 3 个采样中至少 2 个超过阈值
	over := 0
	for _, g := range gs[len(gs)-debounceWindow:] {
		if g > threshold {
			over++
		}
	}
	if over < debounceRequired {
		return DetectionResult{Kind: ResultFalsePositive, PeakGForce: peak}
	}

	candidate := &models.CrashCandidate{
		PeakGForce:        peak,
		SampleTimestampMs: window[peakIdx].TimestampMs,
		DetectedAt:        a.clock.Now(),
	}

	// 5. 锁存，等待上游处理完成后 Reset
	a.buf.Clear()
	a.latched = true

	return DetectionResult{Kind: ResultCandidate, Candidate: candidate, PeakGForce: peak}
}

// Reset 解除锁存并清空缓冲区
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf.Clear()
	a.latched = false
	a.hasLast = false
	a.lastAcceptedMs = 0
}

// Latched 是否处于锁存状态
func (a *Analyzer) Latched() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latched
}

// BufferLen 当前缓冲区采样数量
func (a *Analyzer) BufferLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// StartMonitoring 订阅运动传感器并持续分析，返回非 None 的检测结果
func (a *Analyzer) StartMonitoring(ctx context.Context, source MotionSource) (<-chan DetectionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if source == nil || !source.Available() {
		return nil, ErrSensorUnavailable
	}
	if a.cancel != nil {
		return nil, ErrAlreadyMonitoring
	}

	runCtx, cancel := context.WithCancel(ctx)
	samples, err := source.Samples(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}

	a.halted = false
	a.cancel = cancel
	a.done = make(chan struct{})

	out := make(chan DetectionResult, 4)
	go a.monitor(runCtx, samples, out, a.done)

	a.logger.Info("Motion monitoring started",
		zap.Int("window_size", a.buf.Cap()),
		zap.Int64("min_interval_ms", a.minIntervalMs),
	)

	return out, nil
}

func (a *Analyzer) monitor(ctx context.Context, samples <-chan models.MotionSample, out chan<- DetectionResult, done chan struct{}) {
	defer close(done)
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				a.logger.Warn("Motion sample stream closed")
				return
			}
			result := a.Ingest(sample)
			if result.Kind == ResultNone {
				continue
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// StopMonitoring 同步停止监测：返回后不再产生任何结果，Ingest 返回 None
func (a *Analyzer) StopMonitoring() {
	a.mu.Lock()
	a.halted = true
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		a.logger.Info("Motion monitoring stopped")
	}
}
