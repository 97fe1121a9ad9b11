// Package dispatcher 升级调度：短信、联系人呼叫、医疗机构呼叫三条轨道并行执行
package dispatcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"accident-alert/internal/models"
	"accident-alert/internal/timeutil"

	"go.uber.org/zap"
)

// ErrAlreadyDispatched 同一升级请求只能调度一次
var ErrAlreadyDispatched = errors.New("escalation request already dispatched")

const (
	DefaultMaxCallContacts     = 3
	DefaultCallTimeout         = 30 * time.Second
	DefaultCooldown            = 30 * time.Second
	DefaultMaxFacilityAttempts = 3
	DefaultSearchRadiusKm      = 20
)

// RadiusFunc 医疗机构搜索半径（每次调度时读取）
type RadiusFunc func(ctx context.Context) int

// Options 调度参数
type Options struct {
	MaxCallContacts     int
	CallTimeout         time.Duration
	Cooldown            time.Duration
	MaxFacilityAttempts int
	EmergencyNumber     string
	MapLinkBase         string
	SearchRadiusKm      RadiusFunc
	Clock               timeutil.Clock
}

func (o *Options) applyDefaults() {
	if o.MaxCallContacts <= 0 {
		o.MaxCallContacts = DefaultMaxCallContacts
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Cooldown < 0 {
		o.Cooldown = 0
	}
	if o.MaxFacilityAttempts <= 0 {
		o.MaxFacilityAttempts = DefaultMaxFacilityAttempts
	}
	if o.SearchRadiusKm == nil {
		o.SearchRadiusKm = func(context.Context) int { return DefaultSearchRadiusKm }
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Dispatcher 升级调度器
type Dispatcher struct {
	caller    Caller
	messenger Messenger
	directory Directory
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	dispatched map[string]struct{}
}

// New 创建调度器（directory 可以为 nil，此时 Prepare 得到空列表）
func New(caller Caller, messenger Messenger, directory Directory, opts Options, logger *zap.Logger) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		caller:     caller,
		messenger:  messenger,
		directory:  directory,
		opts:       opts,
		logger:     logger,
		dispatched: make(map[string]struct{}),
	}
}

// Run 阻塞执行一次完整调度，返回报告
func (d *Dispatcher) Run(ctx context.Context, req models.EscalationRequest, contacts []models.Contact, facilities []models.Facility) (*models.EscalationReport, error) {
	if err := d.markDispatched(req.ID); err != nil {
		return nil, err
	}
	return d.execute(ctx, req, NormalizeContacts(contacts), SortFacilities(facilities)), nil
}

// Prepare 为挂起中的事件创建调度通道：只快照联系人与医疗机构，不发起任何联系
func (d *Dispatcher) Prepare(ctx context.Context, req models.EscalationRequest) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		d:      d,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.contacts = d.snapshotContacts(runCtx)
	if req.Location.Known {
		r.facilities = d.snapshotFacilities(runCtx, req.Location)
		r.facilitiesFetched = true
	}

	d.logger.Debug("Escalation channel prepared",
		zap.String("request_id", req.ID),
		zap.Int("contacts", len(r.contacts)),
		zap.Int("facilities", len(r.facilities)),
		zap.Bool("location_known", req.Location.Known),
	)
	return r
}

func (d *Dispatcher) markDispatched(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dispatched[id]; ok {
		return ErrAlreadyDispatched
	}
	d.dispatched[id] = struct{}{}
	return nil
}

func (d *Dispatcher) snapshotContacts(ctx context.Context) []models.Contact {
	if d.directory == nil {
		return nil
	}
	contacts, err := d.directory.ListActiveContacts(ctx)
	if err != nil {
		d.logger.Error("Failed to list emergency contacts", zap.Error(err))
		return nil
	}
	return NormalizeContacts(contacts)
}

func (d *Dispatcher) snapshotFacilities(ctx context.Context, loc models.Coordinates) []models.Facility {
	if d.directory == nil || !loc.Known {
		return nil
	}
	radius := d.opts.SearchRadiusKm(ctx)
	facilities, err := d.directory.ListFacilities(ctx, loc.Latitude, loc.Longitude, radius)
	if err != nil {
		d.logger.Error("Failed to list nearby facilities",
			zap.String("location", loc.String()),
			zap.Int("radius_km", radius),
			zap.Error(err),
		)
		return nil
	}
	return SortFacilities(facilities)
}

// NormalizeContacts 只保留启用的联系人，按电话号码去重（保留优先级最高者），按优先级稳定排序
func NormalizeContacts(contacts []models.Contact) []models.Contact {
	byPhone := make(map[string]int, len(contacts))
	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		if !c.Active || c.PhoneNumber == "" {
			continue
		}
		if i, ok := byPhone[c.PhoneNumber]; ok {
			if c.Priority < out[i].Priority {
				out[i] = c
			}
			continue
		}
		byPhone[c.PhoneNumber] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// SortFacilities 按距离升序（返回副本）
func SortFacilities(facilities []models.Facility) []models.Facility {
	out := make([]models.Facility, 0, len(facilities))
	for _, f := range facilities {
		if f.PhoneNumber == "" {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}
