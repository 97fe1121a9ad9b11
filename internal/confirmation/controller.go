// Package confirmation 碰撞确认倒计时状态机
//
// 状态：Idle → Pending → {Cancelled | Escalated}
//
// 每个挂起的倒计时带有一个递增的 generation，定时器只按值携带它；
// 到期路径在锁内比较 generation 与状态，过期或已终结的倒计时直接忽略，
// 因此每个 Pending 恰好产生一个终态。
package confirmation

import (
	"context"
	"errors"
	"sync"
	"time"

	"accident-alert/internal/metrics"
	"accident-alert/internal/models"
	"accident-alert/internal/timeutil"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRunPending 已有挂起的倒计时，新的候选事件被忽略
	ErrRunPending = errors.New("confirmation run already pending")
	// ErrNotPending 当前没有挂起的倒计时
	ErrNotPending = errors.New("no confirmation run pending")
)

const (
	DefaultTimeout = 15 * time.Second
	MinTimeout     = 5 * time.Second
	MaxTimeout     = 60 * time.Second

	defaultOutcomeBuffer = 16
	defaultStoreTimeout  = 2 * time.Second
)

// State 倒计时状态
type State int

const (
	StateIdle State = iota
	StatePending
	StateCancelled
	StateEscalated
)

// String 状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateCancelled:
		return "cancelled"
	case StateEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// Channel 挂起期间打开的临时升级通道（未确认模式）
type Channel interface {
	Start(req models.EscalationRequest) error
	Abort()
}

// ChannelOpener 打开升级通道
type ChannelOpener interface {
	Open(ctx context.Context, req models.EscalationRequest) Channel
}

// ChannelOpenerFunc 函数适配
type ChannelOpenerFunc func(ctx context.Context, req models.EscalationRequest) Channel

// Open 调用函数本身
func (f ChannelOpenerFunc) Open(ctx context.Context, req models.EscalationRequest) Channel {
	return f(ctx, req)
}

// Locator 当前位置快照
type Locator interface {
	Snapshot() models.Coordinates
}

// TimeoutFunc 确认超时（每次开始倒计时时读取）
type TimeoutFunc func(ctx context.Context) time.Duration

// RunInfo 挂起倒计时的信息
type RunInfo struct {
	ID         string                `json:"id"`
	Generation uint64                `json:"generation"`
	Candidate  models.CrashCandidate `json:"candidate"`
	Location   models.Coordinates    `json:"location"`
	StartedAt  time.Time             `json:"started_at"`
	Deadline   time.Time             `json:"deadline"`
}

// Outcome 倒计时终态（Request 仅在 Escalated 时非空）
type Outcome struct {
	RunID     string                    `json:"run_id"`
	State     State                     `json:"state"`
	Candidate models.CrashCandidate     `json:"candidate"`
	Request   *models.EscalationRequest `json:"request,omitempty"`
	At        time.Time                 `json:"at"`
}

// Options 控制器参数
type Options struct {
	Timeout       TimeoutFunc
	Store         PendingStore
	StoreTimeout  time.Duration // 单次存储操作上限（在控制器锁内执行）
	Clock         timeutil.Clock
	OutcomeBuffer int
	// OnDropped 结果通道已满时接收被丢弃的终态，保证每个终态都有人处理
	OnDropped func(Outcome)
}

type pendingRun struct {
	info    RunInfo
	channel Channel
	timer   timeutil.Timer
	stop    chan struct{}
}

// Controller 确认控制器（同一时间至多一个挂起倒计时）
type Controller struct {
	mu    sync.Mutex
	state State
	gen   uint64
	run   *pendingRun

	opener       ChannelOpener
	locator      Locator
	timeout      TimeoutFunc
	store        PendingStore
	storeTimeout time.Duration
	clock        timeutil.Clock
	outcomes     chan Outcome
	onDropped    func(Outcome)
	logger       *zap.Logger
}

// NewController 创建确认控制器
func NewController(opener ChannelOpener, locator Locator, opts Options, logger *zap.Logger) *Controller {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Timeout == nil {
		opts.Timeout = func(context.Context) time.Duration { return DefaultTimeout }
	}
	if opts.OutcomeBuffer <= 0 {
		opts.OutcomeBuffer = defaultOutcomeBuffer
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &Controller{
		state:        StateIdle,
		opener:       opener,
		locator:      locator,
		timeout:      opts.Timeout,
		store:        opts.Store,
		storeTimeout: opts.StoreTimeout,
		clock:        opts.Clock,
		outcomes:     make(chan Outcome, opts.OutcomeBuffer),
		onDropped:    opts.OnDropped,
		logger:       logger,
	}
}

// ClampTimeout 把超时限制在 [5s, 60s]
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// Outcomes 终态通知
func (c *Controller) Outcomes() <-chan Outcome {
	return c.outcomes
}

// State 当前状态
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current 挂起中的倒计时
func (c *Controller) Current() (RunInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending || c.run == nil {
		return RunInfo{}, false
	}
	return c.run.info, true
}

// Begin 候选碰撞进入挂起状态并开始倒计时
func (c *Controller) Begin(ctx context.Context, candidate models.CrashCandidate) (RunInfo, error) {
	if c.State() == StatePending {
		return RunInfo{}, ErrRunPending
	}

	now := c.clock.Now()
	timeout := ClampTimeout(c.timeout(ctx))
	rec := PendingRecord{
		ID:        uuid.New().String(),
		Candidate: candidate,
		Location:  c.snapshot(),
		StartedAt: now,
		Deadline:  now.Add(timeout),
	}
	return c.enterPending(ctx, rec)
}

// ConfirmSafe 用户确认安全：取消倒计时并中止临时通道
func (c *Controller) ConfirmSafe() (Outcome, error) {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return Outcome{}, ErrNotPending
	}
	run := c.finishLocked(StateCancelled)
	c.mu.Unlock()

	run.channel.Abort()
	outcome := Outcome{
		RunID:     run.info.ID,
		State:     StateCancelled,
		Candidate: run.info.Candidate,
		At:        c.clock.Now(),
	}
	metrics.ConfirmationOutcomesTotal.WithLabelValues("cancelled").Inc()
	c.logger.Info("Crash confirmation cancelled by user",
		zap.String("run_id", run.info.ID),
	)
	c.publish(outcome)
	return outcome, nil
}

// RequestHelp 用户主动求助：立即升级（已确认、非自动）
func (c *Controller) RequestHelp() (Outcome, error) {
	return c.escalate(0, false)
}

// Poll 检查挂起倒计时的截止时间（进程挂起导致定时器丢失时兜底）
func (c *Controller) Poll() bool {
	c.mu.Lock()
	if c.state != StatePending || c.run == nil || c.clock.Now().Before(c.run.info.Deadline) {
		c.mu.Unlock()
		return false
	}
	gen := c.gen
	c.mu.Unlock()

	_, err := c.escalate(gen, true)
	return err == nil
}

// Recover 重启后恢复挂起的倒计时：未到期则继续计时，已到期立即自动升级
func (c *Controller) Recover(ctx context.Context) (RunInfo, bool, error) {
	if c.store == nil {
		return RunInfo{}, false, nil
	}
	rec, err := c.store.Load(ctx)
	if err != nil {
		return RunInfo{}, false, err
	}
	if rec == nil {
		return RunInfo{}, false, nil
	}

	if !rec.Location.Known {
		rec.Location = c.snapshot()
	}
	info, err := c.enterPending(ctx, *rec)
	if err != nil {
		return RunInfo{}, false, err
	}
	c.logger.Info("Recovered pending confirmation run",
		zap.String("run_id", info.ID),
		zap.Time("deadline", info.Deadline),
	)
	c.Poll()
	return info, true, nil
}

func (c *Controller) enterPending(ctx context.Context, rec PendingRecord) (RunInfo, error) {
	req := models.EscalationRequest{
		ID:        rec.ID,
		Location:  rec.Location,
		GForce:    rec.Candidate.PeakGForce,
		CreatedAt: rec.StartedAt,
	}
	channel := c.opener.Open(ctx, req)

	c.mu.Lock()
	if c.state == StatePending {
		c.mu.Unlock()
		channel.Abort()
		return RunInfo{}, ErrRunPending
	}

	c.gen++
	gen := c.gen
	remaining := rec.Deadline.Sub(c.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	run := &pendingRun{
		info: RunInfo{
			ID:         rec.ID,
			Generation: gen,
			Candidate:  rec.Candidate,
			Location:   rec.Location,
			StartedAt:  rec.StartedAt,
			Deadline:   rec.Deadline,
		},
		channel: channel,
		timer:   c.clock.NewTimer(remaining),
		stop:    make(chan struct{}),
	}
	c.run = run
	c.state = StatePending

	// 在锁内写入，保证不会晚于终态时的删除
	if c.store != nil {
		saveCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
		err := c.store.Save(saveCtx, rec)
		cancel()
		if err != nil {
			c.logger.Error("Failed to persist pending run",
				zap.String("run_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	c.mu.Unlock()

	metrics.PendingRuns.Set(1)
	go c.awaitExpiry(gen, run.timer, run.stop)

	c.logger.Info("Crash confirmation pending",
		zap.String("run_id", rec.ID),
		zap.Float64("g_force", rec.Candidate.PeakGForce),
		zap.String("location", rec.Location.String()),
		zap.Time("deadline", rec.Deadline),
	)
	return run.info, nil
}

func (c *Controller) awaitExpiry(gen uint64, timer timeutil.Timer, stop <-chan struct{}) {
	select {
	case <-timer.C():
		c.escalate(gen, true)
	case <-stop:
	}
}

// escalate gen 为 0 表示用户主动求助，不校验 generation
func (c *Controller) escalate(gen uint64, auto bool) (Outcome, error) {
	c.mu.Lock()
	if c.state != StatePending || (gen != 0 && gen != c.gen) {
		c.mu.Unlock()
		return Outcome{}, ErrNotPending
	}
	run := c.finishLocked(StateEscalated)
	c.mu.Unlock()

	req := models.EscalationRequest{
		ID:            run.info.ID,
		Location:      run.info.Location,
		GForce:        run.info.Candidate.PeakGForce,
		CreatedAt:     run.info.StartedAt,
		Confirmed:     true,
		AutoTriggered: auto,
	}
	if !req.Location.Known {
		req.Location = c.snapshot()
	}
	if err := run.channel.Start(req); err != nil {
		c.logger.Error("Failed to start escalation",
			zap.String("run_id", req.ID),
			zap.Error(err),
		)
	}

	label := "escalated_confirmed"
	if auto {
		label = "escalated_auto"
	}
	metrics.ConfirmationOutcomesTotal.WithLabelValues(label).Inc()
	c.logger.Warn("Crash escalated",
		zap.String("run_id", req.ID),
		zap.Bool("auto_triggered", auto),
		zap.String("location", req.Location.String()),
	)

	outcome := Outcome{
		RunID:     run.info.ID,
		State:     StateEscalated,
		Candidate: run.info.Candidate,
		Request:   &req,
		At:        c.clock.Now(),
	}
	c.publish(outcome)
	return outcome, nil
}

// finishLocked 进入终态：停止定时器、删除持久化记录
func (c *Controller) finishLocked(state State) *pendingRun {
	run := c.run
	c.state = state
	c.run = nil
	run.timer.Stop()
	close(run.stop)

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
		err := c.store.Delete(ctx, run.info.ID)
		cancel()
		if err != nil {
			c.logger.Error("Failed to delete pending run",
				zap.String("run_id", run.info.ID),
				zap.Error(err),
			)
		}
	}
	metrics.PendingRuns.Set(0)
	return run
}

func (c *Controller) publish(outcome Outcome) {
	select {
	case c.outcomes <- outcome:
	default:
		c.logger.Warn("Outcome channel full, handing off dropped outcome",
			zap.String("run_id", outcome.RunID),
			zap.String("state", outcome.State.String()),
		)
		if c.onDropped != nil {
			c.onDropped(outcome)
		}
	}
}

func (c *Controller) snapshot() models.Coordinates {
	if c.locator == nil {
		return models.UnknownLocation()
	}
	return c.locator.Snapshot()
}
