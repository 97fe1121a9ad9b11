package detector

import "accident-alert/internal/models"

// SignalBuffer 固定容量的运动采样环形缓冲区（仅由 Analyzer 持有，不共享）
type SignalBuffer struct {
	data []models.MotionSample
	pos  int
	full bool
	cap  int
}

// NewSignalBuffer 创建容量为 n 的缓冲区
func NewSignalBuffer(n int) *SignalBuffer {
	if n < 1 {
		n = 1
	}
	return &SignalBuffer{
		data: make([]models.MotionSample, n),
		cap:  n,
	}
}

// Push 写入采样，满时覆盖最旧的采样
func (r *SignalBuffer) Push(s models.MotionSample) {
	r.data[r.pos] = s
	r.pos++
	if r.pos >= r.cap {
		r.pos = 0
		r.full = true
	}
}

// Len 当前采样数量（始终 ≤ Cap）
func (r *SignalBuffer) Len() int {
	if r.full {
		return r.cap
	}
	return r.pos
}

// Cap 缓冲区容量
func (r *SignalBuffer) Cap() int {
	return r.cap
}

// Full 是否已满
func (r *SignalBuffer) Full() bool {
	return r.full
}

// Slice 按写入顺序返回缓冲区内容（最旧在前）
func (r *SignalBuffer) Slice() []models.MotionSample {
	n := r.Len()
	out := make([]models.MotionSample, n)
	if r.full {
		copy(out, r.data[r.pos:])
		copy(out[r.cap-r.pos:], r.data[:r.pos])
	} else {
		copy(out, r.data[:r.pos])
	}
	return out
}

// Last 返回最近的 k 个采样（最旧在前）
func (r *SignalBuffer) Last(k int) []models.MotionSample {
	all := r.Slice()
	if k >= len(all) {
		return all
	}
	return all[len(all)-k:]
}

// Clear 清空缓冲区
func (r *SignalBuffer) Clear() {
	r.pos = 0
	r.full = false
}
