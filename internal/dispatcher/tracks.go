package dispatcher

import (
	"context"
	"sync"

	"accident-alert/internal/metrics"
	"accident-alert/internal/models"

	"go.uber.org/zap"
)

const (
	trackMessaging = "messaging"
	trackCalling   = "calling"
	trackFacility  = "facility"
	trackFallback  = "emergency_number"

	reasonAborted     = "aborted"
	reasonNoAnswer    = "no_answer"
	reasonNotAnswered = "ended_unanswered"
	reasonUnavailable = "capability_unavailable"
)

// target 一次呼叫的对象
type target struct {
	name  string
	phone string
}

// execute 并行执行三条轨道，全部结束后汇总报告
func (d *Dispatcher) execute(ctx context.Context, req models.EscalationRequest, contacts []models.Contact, facilities []models.Facility) *models.EscalationReport {
	report := &models.EscalationReport{
		RequestID: req.ID,
		Request:   req,
		StartedAt: d.opts.Clock.Now(),
	}

	d.logger.Info("Escalation dispatch started",
		zap.String("request_id", req.ID),
		zap.String("location", req.Location.String()),
		zap.Float64("g_force", req.GForce),
		zap.Bool("auto_triggered", req.AutoTriggered),
		zap.Int("contacts", len(contacts)),
		zap.Int("facilities", len(facilities)),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		report.Messaging = d.messagingTrack(ctx, req, contacts)
	}()
	go func() {
		defer wg.Done()
		report.Calling = d.callingTrack(ctx, contacts)
	}()
	go func() {
		defer wg.Done()
		report.Facilities, report.EmergencyFallback = d.facilityTrack(ctx, facilities)
	}()
	wg.Wait()

	report.Aborted = ctx.Err() != nil
	report.FinishedAt = d.opts.Clock.Now()

	d.logger.Info("Escalation dispatch finished",
		zap.String("request_id", req.ID),
		zap.String("messaging", string(report.Messaging.Status)),
		zap.String("calling", string(report.Calling.Status)),
		zap.String("facilities", string(report.Facilities.Status)),
		zap.Bool("aborted", report.Aborted),
	)
	return report
}

// messagingTrack 给所有联系人发送同一条短信，失败记录后继续
func (d *Dispatcher) messagingTrack(ctx context.Context, req models.EscalationRequest, contacts []models.Contact) models.TrackReport {
	if len(contacts) == 0 {
		return models.TrackReport{Status: models.TrackNoContactsConfigured}
	}

	body := ComposeMessage(req, d.opts.MapLinkBase)
	tr := models.TrackReport{Status: models.TrackCompleted}
	for _, c := range contacts {
		if ctx.Err() != nil {
			tr.Status = models.TrackAborted
			return tr
		}

		outcome := models.MessageOutcome{Target: c.Name, PhoneNumber: c.PhoneNumber}
		if d.messenger == nil {
			outcome.FailureReason = reasonUnavailable
			tr.Messages = append(tr.Messages, outcome)
			continue
		}
		delivered, err := d.messenger.SendMessage(ctx, c.PhoneNumber, body)
		switch {
		case err != nil:
			outcome.FailureReason = err.Error()
			d.logger.Warn("Failed to send emergency message",
				zap.String("contact", c.Name),
				zap.String("phone_number", c.PhoneNumber),
				zap.Error(err),
			)
			// 继续发送其他联系人，不中断
		case !delivered:
			outcome.FailureReason = "not_delivered"
		default:
			outcome.Delivered = true
		}
		metrics.EscalationAttemptsTotal.WithLabelValues(trackMessaging, resultLabel(outcome.Delivered, outcome.FailureReason)).Inc()
		tr.Messages = append(tr.Messages, outcome)
	}
	return tr
}

// callingTrack 按优先级依次呼叫前 K 个联系人，有人接听即停止
func (d *Dispatcher) callingTrack(ctx context.Context, contacts []models.Contact) models.TrackReport {
	if len(contacts) == 0 {
		return models.TrackReport{Status: models.TrackNoContactsConfigured}
	}

	n := len(contacts)
	if n > d.opts.MaxCallContacts {
		n = d.opts.MaxCallContacts
	}
	targets := make([]target, 0, n)
	for _, c := range contacts[:n] {
		targets = append(targets, target{name: c.Name, phone: c.PhoneNumber})
	}

	calls, status := d.callSequence(ctx, trackCalling, targets)
	return models.TrackReport{Status: status, Calls: calls}
}

// facilityTrack 按距离依次呼叫医疗机构；全部无人接听或没有医疗机构时拨打急救号码一次
func (d *Dispatcher) facilityTrack(ctx context.Context, facilities []models.Facility) (models.TrackReport, *models.CallOutcome) {
	var tr models.TrackReport
	if len(facilities) == 0 {
		tr.Status = models.TrackNoFacilitiesFound
	} else {
		n := len(facilities)
		if n > d.opts.MaxFacilityAttempts {
			n = d.opts.MaxFacilityAttempts
		}
		targets := make([]target, 0, n)
		for _, f := range facilities[:n] {
			targets = append(targets, target{name: f.Name, phone: f.PhoneNumber})
		}
		tr.Calls, tr.Status = d.callSequence(ctx, trackFacility, targets)
	}

	if tr.Status != models.TrackExhausted && tr.Status != models.TrackNoFacilitiesFound {
		return tr, nil
	}
	if d.opts.EmergencyNumber == "" {
		d.logger.Warn("No emergency number configured, skipping fallback call")
		return tr, nil
	}

	// 已有尝试时，急救号码同样遵守冷却间隔
	if len(tr.Calls) > 0 && !d.cooldown(ctx) {
		return tr, nil
	}
	outcome := d.attemptCall(ctx, trackFallback, target{name: "emergency services", phone: d.opts.EmergencyNumber})
	return tr, &outcome
}

// callSequence 依次呼叫，接听即停止，未接听则冷却后呼叫下一个
func (d *Dispatcher) callSequence(ctx context.Context, track string, targets []target) ([]models.CallOutcome, models.TrackStatus) {
	calls := make([]models.CallOutcome, 0, len(targets))
	for i, t := range targets {
		if i > 0 && !d.cooldown(ctx) {
			return calls, models.TrackAborted
		}
		if ctx.Err() != nil {
			return calls, models.TrackAborted
		}

		outcome := d.attemptCall(ctx, track, t)
		calls = append(calls, outcome)
		if outcome.Answered {
			return calls, models.TrackAnswered
		}
		if ctx.Err() != nil {
			return calls, models.TrackAborted
		}
	}
	return calls, models.TrackExhausted
}

// cooldown 两次呼叫之间的等待，被中止时返回 false
func (d *Dispatcher) cooldown(ctx context.Context) bool {
	if d.opts.Cooldown <= 0 {
		return ctx.Err() == nil
	}
	timer := d.opts.Clock.NewTimer(d.opts.Cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

// attemptCall 发起一次呼叫并等待接听、挂断、超时或中止
func (d *Dispatcher) attemptCall(ctx context.Context, track string, t target) models.CallOutcome {
	outcome := models.CallOutcome{Target: t.name, PhoneNumber: t.phone}
	defer func() {
		metrics.EscalationAttemptsTotal.WithLabelValues(track, resultLabel(outcome.Answered, outcome.FailureReason)).Inc()
	}()

	if d.caller == nil {
		outcome.FailureReason = reasonUnavailable
		return outcome
	}
	handle, err := d.caller.PlaceCall(ctx, t.phone)
	if err != nil {
		outcome.FailureReason = err.Error()
		d.logger.Warn("Failed to place call",
			zap.String("track", track),
			zap.String("target", t.name),
			zap.String("phone_number", t.phone),
			zap.Error(err),
		)
		return outcome
	}
	outcome.Initiated = true

	timer := d.opts.Clock.NewTimer(d.opts.CallTimeout)
	defer timer.Stop()

	events := handle.Events()
	for {
		select {
		case <-ctx.Done():
			outcome.FailureReason = reasonAborted
			return outcome
		case <-timer.C():
			outcome.FailureReason = reasonNoAnswer
			return outcome
		case ev, ok := <-events:
			if !ok {
				outcome.FailureReason = reasonNotAnswered
				return outcome
			}
			switch ev.Kind {
			case CallAnswered:
				outcome.Answered = true
				d.logger.Info("Call answered",
					zap.String("track", track),
					zap.String("target", t.name),
					zap.String("call_id", handle.ID()),
				)
				return outcome
			case CallEnded:
				if ev.WasAnswered {
					outcome.Answered = true
				} else {
					outcome.FailureReason = reasonNotAnswered
				}
				return outcome
			}
		}
	}
}

func resultLabel(ok bool, failure string) string {
	switch {
	case ok:
		return "success"
	case failure == reasonAborted:
		return reasonAborted
	default:
		return "failed"
	}
}
