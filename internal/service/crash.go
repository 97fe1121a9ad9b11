package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"accident-alert/internal/config"
	"accident-alert/internal/confirmation"
	"accident-alert/internal/consumer"
	"accident-alert/internal/database"
	"accident-alert/internal/detector"
	"accident-alert/internal/directory"
	"accident-alert/internal/dispatcher"
	"accident-alert/internal/gateway"
	"accident-alert/internal/location"
	"accident-alert/internal/models"
	mqttclient "accident-alert/internal/mqtt"
	"accident-alert/internal/repository"
	"accident-alert/internal/settings"
	"accident-alert/internal/timeutil"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// settingsRefreshInterval 参数缓存刷新间隔
const settingsRefreshInterval = 30 * time.Second

// ErrNoActiveEscalation 没有进行中的调度
var ErrNoActiveEscalation = errors.New("no active escalation")

// EventStore 碰撞事件记录
type EventStore interface {
	AppendEvent(ctx context.Context, event *models.CrashEvent) error
}

// Deps 外部依赖（NewCrashService 用真实连接构建，测试可替换）
type Deps struct {
	Bus        consumer.Bus
	Redis      *redis.Client
	Contacts   directory.ContactLister
	Facilities directory.FacilityFinder
	Caller     dispatcher.Caller
	Messenger  dispatcher.Messenger
	CallStatus consumer.CallStatusHandler
	Events     EventStore // 为 nil 时只写日志
	Clock      timeutil.Clock
}

// CrashService 碰撞检测与升级服务
type CrashService struct {
	config *config.Config
	logger *zap.Logger
	clock  timeutil.Clock

	// 由 NewCrashService 打开，Stop 时关闭
	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttclient.Client
	gps        *location.SerialGPS

	settings   *settings.Cache
	tracker    *location.Tracker
	analyzer   *detector.Analyzer
	motion     *consumer.MQTTMotionSource
	dispatcher *dispatcher.Dispatcher
	controller *confirmation.Controller
	consumer   *consumer.MQTTConsumer
	status     *consumer.StatusPublisher
	reports    *consumer.ReportStream
	events     EventStore

	// 挂起时登记，调度报告写完后移除
	runsMu sync.Mutex
	runs   map[string]*dispatcher.Run

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCrashService 创建服务并建立数据库、Redis、MQTT 连接
func NewCrashService(cfg *config.Config, logger *zap.Logger) (*CrashService, error) {
	ctx := context.Background()

	// 初始化Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化数据库（可选）
	var (
		db       *sql.DB
		contacts directory.ContactLister
		events   EventStore
	)
	if cfg.DBEnabled {
		var err error
		db, err = database.NewPostgresDB(&cfg.Database)
		if err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.EnsureSchema(ctx, db); err != nil {
			database.Close(db)
			redisClient.Close()
			return nil, err
		}
		contacts = directory.NewContactRepository(db, logger)
		events = repository.NewCrashEventsRepository(db, logger)
	} else {
		memory := directory.NewMemoryContacts(nil)
		if cfg.ContactsFile != "" {
			result, err := directory.ImportContactsXLSX(cfg.ContactsFile)
			if err != nil {
				redisClient.Close()
				return nil, fmt.Errorf("failed to load contacts file: %w", err)
			}
			for _, issue := range result.Skipped {
				logger.Warn("Skipped contact row",
					zap.Int("row", issue.Row),
					zap.String("reason", issue.Reason),
				)
			}
			memory.Replace(result.Contacts)
		}
		contacts = memory
	}

	// 初始化MQTT
	mqttClient, err := mqttclient.NewClient(&cfg.MQTT, logger)
	if err != nil {
		if db != nil {
			database.Close(db)
		}
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: time.Duration(cfg.Gateway.TimeoutSec) * time.Second,
	}, logger)

	s := newCrashService(cfg, Deps{
		Bus:        mqttClient,
		Redis:      redisClient,
		Contacts:   contacts,
		Facilities: directory.NewFacilityClientFromConfig(cfg, logger),
		Caller:     gw,
		Messenger:  gw,
		CallStatus: gw,
		Events:     events,
	}, logger)
	s.db = db
	s.redis = redisClient
	s.mqttClient = mqttClient

	// 串口 GPS（可选）
	if cfg.GPS.Port != "" {
		gps, err := location.OpenSerialGPS(cfg.GPS.Port, cfg.GPS.BaudRate, s.tracker, logger)
		if err != nil {
			logger.Warn("Serial GPS unavailable, relying on device location topic",
				zap.String("port", cfg.GPS.Port),
				zap.Error(err),
			)
		} else {
			s.gps = gps
		}
	}

	return s, nil
}

// newCrashService 组装各组件
func newCrashService(cfg *config.Config, deps Deps, logger *zap.Logger) *CrashService {
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	s := &CrashService{
		config: cfg,
		logger: logger,
		clock:  clock,
		events: deps.Events,
		runs:   make(map[string]*dispatcher.Run),
	}

	s.settings = settings.NewCache(
		settings.NewRedisProvider(deps.Redis, cfg.Redis.KeyPrefix, logger),
		settings.Defaults{
			GForceThreshold:     cfg.Detection.DefaultThreshold,
			ConfirmationTimeout: time.Duration(cfg.Confirmation.DefaultTimeoutSec) * time.Second,
			SearchRadiusKm:      cfg.Facility.DefaultRadiusKm,
		},
		logger,
	)

	s.tracker = location.NewTracker(location.Config{
		MaxFixAge:         time.Duration(cfg.Location.MaxFixAgeSec) * time.Second,
		MaxAccuracyMeters: cfg.Location.MaxAccuracyMeters,
		MaxSpeedMps:       cfg.Location.MaxSpeedMps,
	}, clock, logger)

	s.analyzer = detector.NewAnalyzer(detector.Options{
		WindowSize:          cfg.Detection.WindowSize,
		MinSampleIntervalMs: int64(cfg.Detection.MinSampleIntervalMs),
		Threshold:           s.settings,
		Clock:               clock,
	}, logger)

	s.dispatcher = dispatcher.New(deps.Caller, deps.Messenger,
		directory.NewProvider(deps.Contacts, deps.Facilities),
		dispatcher.Options{
			MaxCallContacts:     cfg.Dispatch.MaxCallContacts,
			CallTimeout:         cfg.CallTimeout(),
			Cooldown:            cfg.Cooldown(),
			MaxFacilityAttempts: cfg.Dispatch.MaxFacilityAttempts,
			EmergencyNumber:     cfg.Dispatch.EmergencyNumber,
			MapLinkBase:         cfg.Dispatch.MapLinkBase,
			SearchRadiusKm:      s.settings.SearchRadiusKm,
			Clock:               clock,
		}, logger)

	s.controller = confirmation.NewController(
		confirmation.ChannelOpenerFunc(s.openChannel),
		s.tracker,
		confirmation.Options{
			Timeout: s.settings.ConfirmationTimeout,
			Store: confirmation.NewRedisPendingStore(deps.Redis, cfg.Redis.KeyPrefix,
				time.Duration(cfg.Confirmation.PendingTTLSec)*time.Second, logger),
			Clock:     clock,
			OnDropped: s.handleDropped,
		},
		logger,
	)

	topics := consumer.NewTopics(cfg.MQTT.TopicRoot)
	s.motion = consumer.NewMQTTMotionSource(deps.Bus)
	s.consumer = consumer.NewMQTTConsumer(deps.Bus, topics, cfg.MQTT.QoS, consumer.Routes{
		Motion:    s.motion,
		Locations: s.tracker,
		Responses: s,
		Calls:     deps.CallStatus,
	}, logger)
	s.status = consumer.NewStatusPublisher(deps.Bus, topics.Status, cfg.MQTT.QoS)
	s.reports = consumer.NewReportStream(deps.Redis, cfg.Dispatch.ReportStream, logger)

	return s
}

// Start 启动服务
func (s *CrashService) Start(ctx context.Context) error {
	s.logger.Info("Starting crash service components")

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel

	// 1. 参数缓存
	s.settings.Refresh(runCtx)
	s.goRun(func() { s.settings.Run(runCtx, settingsRefreshInterval) })

	// 2. MQTT消费者
	if err := s.consumer.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	// 3. 结果处理先于恢复启动，避免恢复时立即升级的结果积压
	s.goRun(func() { s.outcomeLoop(runCtx) })

	// 4. 恢复重启前挂起的倒计时
	if info, ok, err := s.controller.Recover(runCtx); err != nil {
		s.logger.Error("Failed to recover pending run", zap.Error(err))
	} else if ok && s.controller.State() == confirmation.StatePending {
		s.publishPending(info)
	}

	// 5. 运动监测
	results, err := s.analyzer.StartMonitoring(runCtx, s.motion)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start motion monitoring: %w", err)
	}
	s.goRun(func() { s.monitorLoop(runCtx, results) })

	// 6. 看门狗
	s.goRun(func() { s.watchdog(runCtx) })

	// 7. 串口 GPS
	if s.gps != nil {
		s.goRun(func() {
			if err := s.gps.Run(runCtx); err != nil {
				s.logger.Error("Serial GPS stopped", zap.Error(err))
			}
		})
	}

	s.logger.Info("Crash service started successfully")
	return nil
}

// Stop 停止服务
func (s *CrashService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping crash service")

	s.analyzer.StopMonitoring()

	// 停止Consumer
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Error("Error stopping consumer", zap.Error(err))
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// 断开MQTT
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if s.redis != nil {
		s.redis.Close()
	}

	// 关闭数据库
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Crash service stopped")
	return nil
}

// Controller 确认控制器
func (s *CrashService) Controller() *confirmation.Controller {
	return s.controller
}

// Tracker 定位跟踪器
func (s *CrashService) Tracker() *location.Tracker {
	return s.tracker
}

func (s *CrashService) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// openChannel 挂起时准备调度通道，升级时由控制器启动
func (s *CrashService) openChannel(ctx context.Context, req models.EscalationRequest) confirmation.Channel {
	run := s.dispatcher.Prepare(ctx, req)
	s.runsMu.Lock()
	s.runs[req.ID] = run
	s.runsMu.Unlock()
	return run
}

func (s *CrashService) takeRun(id string) *dispatcher.Run {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	run := s.runs[id]
	delete(s.runs, id)
	return run
}

func (s *CrashService) lookupRun(id string) *dispatcher.Run {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return s.runs[id]
}

// activeRuns 正在调度中的升级
func (s *CrashService) activeRuns() []string {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	var ids []string
	for id, run := range s.runs {
		if run.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ConfirmSafe 用户确认安全：挂起中取消倒计时，已升级则中止进行中的调度
func (s *CrashService) ConfirmSafe() (confirmation.Outcome, error) {
	outcome, err := s.controller.ConfirmSafe()
	if !errors.Is(err, confirmation.ErrNotPending) {
		return outcome, err
	}

	ids := s.activeRuns()
	if len(ids) == 0 {
		return confirmation.Outcome{}, err
	}
	var aborted string
	for _, id := range ids {
		if abortErr := s.CancelEscalation(id); abortErr != nil {
			s.logger.Warn("Failed to abort escalation",
				zap.String("run_id", id),
				zap.Error(abortErr),
			)
			continue
		}
		aborted = id
	}
	if aborted == "" {
		return confirmation.Outcome{}, ErrNoActiveEscalation
	}
	return confirmation.Outcome{RunID: aborted, State: confirmation.StateEscalated, At: s.clock.Now()}, nil
}

// RequestHelp 用户主动求助
func (s *CrashService) RequestHelp() (confirmation.Outcome, error) {
	return s.controller.RequestHelp()
}

// CancelEscalation 中止进行中的调度，尚未联系的对象不再联系
func (s *CrashService) CancelEscalation(runID string) error {
	run := s.lookupRun(runID)
	if run == nil || !run.Active() {
		return ErrNoActiveEscalation
	}
	run.Abort()

	loc := s.tracker.Snapshot()
	now := s.clock.Now()
	s.logger.Warn("Escalation aborted by user",
		zap.String("run_id", runID),
	)
	s.recordEvent(context.Background(), models.EventTypeEscalationAborted, runID, 0, loc, map[string]interface{}{
		"run_id":     runID,
		"aborted_at": now,
	})
	s.publishStatus(consumer.StatusMessage{
		State:     "aborted",
		RunID:     runID,
		Location:  loc,
		Timestamp: now,
	})
	return nil
}

func (s *CrashService) monitorLoop(ctx context.Context, results <-chan detector.DetectionResult) {
	for res := range results {
		switch res.Kind {
		case detector.ResultCandidate:
			s.handleCandidate(ctx, *res.Candidate)
		case detector.ResultFalsePositive:
			s.recordEvent(ctx, models.EventTypeFalsePositive, "", res.PeakGForce, s.tracker.Snapshot(), nil)
		}
	}
}

func (s *CrashService) handleCandidate(ctx context.Context, candidate models.CrashCandidate) {
	info, err := s.controller.Begin(ctx, candidate)
	if err != nil {
		if errors.Is(err, confirmation.ErrRunPending) {
			// 已有挂起的倒计时，保持锁定直到其结束
			s.logger.Info("Crash candidate ignored, confirmation already pending",
				zap.Float64("g_force", candidate.PeakGForce),
			)
			return
		}
		s.logger.Error("Failed to begin confirmation", zap.Error(err))
		s.analyzer.Reset()
		return
	}

	s.recordEvent(ctx, models.EventTypeCrashCandidate, info.ID, candidate.PeakGForce, info.Location, candidate)
	s.publishPending(info)
}

func (s *CrashService) outcomeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case outcome := <-s.controller.Outcomes():
			s.handleOutcome(ctx, outcome)
		}
	}
}

// handleDropped 结果通道已满时另起协程处理，检测仍会重新布防
func (s *CrashService) handleDropped(outcome confirmation.Outcome) {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.goRun(func() { s.handleOutcome(ctx, outcome) })
}

func (s *CrashService) handleOutcome(ctx context.Context, outcome confirmation.Outcome) {
	switch outcome.State {
	case confirmation.StateCancelled:
		s.takeRun(outcome.RunID)
		loc := s.tracker.Snapshot()
		s.recordEvent(ctx, models.EventTypeCancelled, outcome.RunID, outcome.Candidate.PeakGForce, loc, outcome)
		s.publishStatus(consumer.StatusMessage{
			State:     "cancelled",
			RunID:     outcome.RunID,
			GForce:    outcome.Candidate.PeakGForce,
			Location:  loc,
			Timestamp: outcome.At,
		})
		s.analyzer.Reset()

	case confirmation.StateEscalated:
		req := outcome.Request
		s.recordEvent(ctx, models.EventTypeEscalated, outcome.RunID, req.GForce, req.Location, req)
		s.publishStatus(consumer.StatusMessage{
			State:     "escalated",
			RunID:     outcome.RunID,
			GForce:    req.GForce,
			Location:  req.Location,
			Timestamp: outcome.At,
		})

		run := s.lookupRun(outcome.RunID)
		if run == nil {
			s.analyzer.Reset()
			return
		}
		s.goRun(func() { s.awaitReport(ctx, *req, run) })
	}
}

// awaitReport 调度结束后持久化并发布报告，然后重新布防
func (s *CrashService) awaitReport(ctx context.Context, req models.EscalationRequest, run *dispatcher.Run) {
	defer s.analyzer.Reset()
	defer s.takeRun(req.ID)

	select {
	case <-run.Done():
	case <-ctx.Done():
		return
	}
	report := run.Wait()
	if report == nil {
		return
	}

	s.recordEvent(ctx, models.EventTypeEscalationReport, req.ID, req.GForce, req.Location, report)
	if _, err := s.reports.Publish(ctx, report); err != nil {
		s.logger.Error("Failed to publish escalation report",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
	s.publishStatus(consumer.StatusMessage{
		State:     "report",
		RunID:     req.ID,
		GForce:    req.GForce,
		Location:  req.Location,
		Summary:   consumer.SummarizeReport(report),
		Timestamp: report.FinishedAt,
	})
}

func (s *CrashService) watchdog(ctx context.Context) {
	ticker := s.clock.NewTicker(time.Duration(s.config.Confirmation.WatchdogIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if s.controller.Poll() {
				s.logger.Warn("Watchdog escalated overdue confirmation")
			}
		}
	}
}

func (s *CrashService) publishPending(info confirmation.RunInfo) {
	deadline := info.Deadline
	s.publishStatus(consumer.StatusMessage{
		State:     "pending",
		RunID:     info.ID,
		GForce:    info.Candidate.PeakGForce,
		Location:  info.Location,
		Deadline:  &deadline,
		Timestamp: info.StartedAt,
	})
}

func (s *CrashService) publishStatus(msg consumer.StatusMessage) {
	if err := s.status.Publish(msg); err != nil {
		s.logger.Error("Failed to publish status",
			zap.String("state", msg.State),
			zap.String("run_id", msg.RunID),
			zap.Error(err),
		)
	}
}

func (s *CrashService) recordEvent(ctx context.Context, eventType, runID string, gForce float64, loc models.Coordinates, payload interface{}) {
	event, err := models.NewCrashEvent(eventType, runID, gForce, loc, payload, s.clock.Now())
	if err != nil {
		s.logger.Error("Failed to build crash event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return
	}
	if s.events == nil {
		s.logger.Info("Crash event",
			zap.String("event_type", eventType),
			zap.String("run_id", runID),
			zap.Float64("g_force", gForce),
			zap.String("location", loc.String()),
		)
		return
	}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		s.logger.Error("Failed to record crash event",
			zap.String("event_type", eventType),
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}
