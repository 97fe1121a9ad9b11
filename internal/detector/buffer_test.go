package detector

import (
	"testing"

	"accident-alert/internal/models"

	"github.com/stretchr/testify/assert"
)

func sampleAt(ts int64) models.MotionSample {
	return models.MotionSample{TimestampMs: ts, Z: models.StandardGravity}
}

func timestamps(samples []models.MotionSample) []int64 {
	out := make([]int64, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.TimestampMs)
	}
	return out
}

func TestSignalBuffer_EvictsOldest(t *testing.T) {
	buf := NewSignalBuffer(3)
	assert.Equal(t, 0, buf.Len())

	for ts := int64(1); ts <= 5; ts++ {
		buf.Push(sampleAt(ts))
		assert.LessOrEqual(t, buf.Len(), 3)
	}

	assert.True(t, buf.Full())
	assert.Equal(t, []int64{3, 4, 5}, timestamps(buf.Slice()))
	assert.Equal(t, []int64{4, 5}, timestamps(buf.Last(2)))
	assert.Equal(t, []int64{3, 4, 5}, timestamps(buf.Last(10)))
}

func TestSignalBuffer_Clear(t *testing.T) {
	buf := NewSignalBuffer(2)
	buf.Push(sampleAt(1))
	buf.Push(sampleAt(2))
	buf.Clear()

	assert.Equal(t, 0, buf.Len())
	assert.False(t, buf.Full())
	assert.Empty(t, buf.Slice())

	buf.Push(sampleAt(3))
	assert.Equal(t, []int64{3}, timestamps(buf.Slice()))
}
