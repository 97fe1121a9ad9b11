package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"accident-alert/internal/models"
	"accident-alert/internal/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// gSample 构造指定 g 值的采样（全部落在 Z 轴）
func gSample(ts int64, g float64) models.MotionSample {
	return models.MotionSample{TimestampMs: ts, Z: g * models.StandardGravity}
}

func newTestAnalyzer(threshold float64) *Analyzer {
	return NewAnalyzer(Options{
		WindowSize:          10,
		MinSampleIntervalMs: 50,
		Threshold:           ThresholdFunc(func() float64 { return threshold }),
		Clock:               timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)),
	}, zap.NewNop())
}

// feed 依次写入 g 值序列（间隔 100ms），返回每个采样的结果
func feed(a *Analyzer, startTs int64, gs ...float64) []DetectionResult {
	results := make([]DetectionResult, 0, len(gs))
	for i, g := range gs {
		results = append(results, a.Ingest(gSample(startTs+int64(i)*100, g)))
	}
	return results
}

func countKind(results []DetectionResult, kind ResultKind) int {
	n := 0
	for _, r := range results {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func TestAnalyzer_NoEvaluationUntilBufferFull(t *testing.T) {
	a := newTestAnalyzer(3.5)

	// 9 个采样，全部超过阈值，但缓冲区未满
	results := feed(a, 0, 5, 5, 5, 5, 5, 5, 5, 5, 5)
	assert.Equal(t, 9, countKind(results, ResultNone))
	assert.Equal(t, 9, a.BufferLen())
}

func TestAnalyzer_SustainedPeakEmitsExactlyOneCandidate(t *testing.T) {
	a := newTestAnalyzer(3.5)

	results := feed(a, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 4.2, 4.2, 4.2, 4.2, 4.2)

	// 第 10 个采样：最近 3 个只有 1 个超阈值 → FalsePositive
	assert.Equal(t, ResultFalsePositive, results[9].Kind)
	// 第 11 个采样：最近 3 个中 2 个超阈值 → Candidate
	require.Equal(t, ResultCandidate, results[10].Kind)
	require.NotNil(t, results[10].Candidate)
	assert.InDelta(t, 4.2, results[10].Candidate.PeakGForce, 1e-9)
	assert.Equal(t, int64(900), results[10].Candidate.SampleTimestampMs)

	// 锁存后忽略所有采样
	assert.Equal(t, 1, countKind(results, ResultCandidate))
	for _, r := range results[11:] {
		assert.Equal(t, ResultNone, r.Kind)
	}
	assert.True(t, a.Latched())
	assert.Equal(t, 0, a.BufferLen())
}

func TestAnalyzer_IsolatedSpikesNeverEmitCandidate(t *testing.T) {
	a := newTestAnalyzer(3.5)

	// 每 3 个采样只有 1 个尖峰，任意连续 3 个采样中至多 1 个超阈值
	gs := make([]float64, 0, 60)
	for i := 0; i < 60; i++ {
		if i%3 == 0 {
			gs = append(gs, 8.0)
		} else {
			gs = append(gs, 1.0)
		}
	}
	results := feed(a, 0, gs...)

	assert.Zero(t, countKind(results, ResultCandidate))
	assert.Positive(t, countKind(results, ResultFalsePositive))
	assert.False(t, a.Latched())
}

func TestAnalyzer_BelowThresholdIsQuiet(t *testing.T) {
	a := newTestAnalyzer(3.5)

	results := feed(a, 0, 1, 1, 1, 1, 1, 1, 1, 3.4, 3.4, 3.4, 3.4)
	assert.Equal(t, len(results), countKind(results, ResultNone))
}

func TestAnalyzer_ThrottlesFastSamples(t *testing.T) {
	a := newTestAnalyzer(3.5)

	assert.Equal(t, ResultNone, a.Ingest(gSample(0, 1)).Kind)
	// 间隔 10ms 的采样被丢弃，不进入缓冲区
	for ts := int64(10); ts < 50; ts += 10 {
		a.Ingest(gSample(ts, 9))
	}
	assert.Equal(t, 1, a.BufferLen())

	a.Ingest(gSample(50, 1))
	assert.Equal(t, 2, a.BufferLen())
}

func TestAnalyzer_ThresholdReadOnEveryEvaluation(t *testing.T) {
	threshold := 5.0
	a := NewAnalyzer(Options{
		WindowSize:          10,
		MinSampleIntervalMs: 50,
		Threshold:           ThresholdFunc(func() float64 { return threshold }),
	}, zap.NewNop())

	results := feed(a, 0, 1, 1, 1, 1, 1, 1, 1, 1, 4.2, 4.2)
	assert.Zero(t, countKind(results, ResultCandidate))

	// 监测中调低阈值，下一次评估立即生效
	threshold = 3.5
	r := a.Ingest(gSample(1000, 4.2))
	assert.Equal(t, ResultCandidate, r.Kind)
}

func TestAnalyzer_TinyWindowIsRaisedToDebounceSize(t *testing.T) {
	for _, size := range []int{1, 2} {
		a := NewAnalyzer(Options{
			WindowSize: size,
			Threshold:  ThresholdFunc(func() float64 { return 3.5 }),
			Clock:      timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)),
		}, zap.NewNop())

		var results []DetectionResult
		require.NotPanics(t, func() { results = feed(a, 0, 5, 5, 5) }, "window %d", size)
		assert.Equal(t, ResultNone, results[1].Kind, "window %d", size)
		assert.Equal(t, ResultCandidate, results[2].Kind, "window %d", size)
	}
}

func TestAnalyzer_ThresholdIsClamped(t *testing.T) {
	assert.Equal(t, MinThreshold, ClampThreshold(0.2))
	assert.Equal(t, MaxThreshold, ClampThreshold(42))
	assert.Equal(t, 3.5, ClampThreshold(3.5))

	// 阈值 0.5 被提升到 1.0：1.2g 的持续信号仍会触发
	a := newTestAnalyzer(0.5)
	results := feed(a, 0, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 1.2, 1.2)
	assert.Equal(t, 1, countKind(results, ResultCandidate))

	// 阈值 0.5 被提升到 1.0：0.9g 不会触发
	b := newTestAnalyzer(0.5)
	results = feed(b, 0, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9)
	assert.Zero(t, countKind(results, ResultCandidate))
}

func TestAnalyzer_ResetRearms(t *testing.T) {
	a := newTestAnalyzer(3.5)
	results := feed(a, 0, 1, 1, 1, 1, 1, 1, 1, 1, 5, 5)
	require.Equal(t, 1, countKind(results, ResultCandidate))

	a.Reset()
	assert.False(t, a.Latched())

	results = feed(a, 5000, 1, 1, 1, 1, 1, 1, 1, 1, 5, 5)
	assert.Equal(t, 1, countKind(results, ResultCandidate))
}

type chanSource struct {
	available bool
	err       error
	ch        chan models.MotionSample
}

func (s *chanSource) Available() bool { return s.available }

func (s *chanSource) Samples(ctx context.Context) (<-chan models.MotionSample, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

func TestAnalyzer_StartMonitoringFailsFastWithoutSensor(t *testing.T) {
	a := newTestAnalyzer(3.5)

	_, err := a.StartMonitoring(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSensorUnavailable)

	_, err = a.StartMonitoring(context.Background(), &chanSource{available: false})
	assert.ErrorIs(t, err, ErrSensorUnavailable)

	_, err = a.StartMonitoring(context.Background(), &chanSource{available: true, err: errors.New("permission denied")})
	assert.ErrorIs(t, err, ErrSensorUnavailable)
}

func TestAnalyzer_MonitoringDeliversCandidateAndStopsSynchronously(t *testing.T) {
	a := newTestAnalyzer(3.5)
	src := &chanSource{available: true, ch: make(chan models.MotionSample)}

	results, err := a.StartMonitoring(context.Background(), src)
	require.NoError(t, err)

	_, err = a.StartMonitoring(context.Background(), src)
	assert.ErrorIs(t, err, ErrAlreadyMonitoring)

	go func() {
		for i, g := range []float64{1, 1, 1, 1, 1, 1, 1, 1, 4.2, 4.2} {
			src.ch <- gSample(int64(i)*100, g)
		}
	}()

	select {
	case r := <-results:
		assert.Equal(t, ResultCandidate, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no candidate delivered")
	}

	a.StopMonitoring()

	// 停止后结果通道已关闭，Ingest 返回 None
	_, open := <-results
	assert.False(t, open)
	a.Reset()
	results2 := feed(a, 10000, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5)
	assert.Equal(t, 10, countKind(results2, ResultNone))
}
