package dispatcher

import (
	"context"
	"sync"

	"accident-alert/internal/models"

	"go.uber.org/zap"
)

// Run 一次调度通道：Prepare 时快照目录，Start 后开始联系，Abort 随时中止
type Run struct {
	d      *Dispatcher
	ctx    context.Context
	cancel context.CancelFunc

	contacts          []models.Contact
	facilities        []models.Facility
	facilitiesFetched bool

	mu      sync.Mutex
	started bool
	aborted bool
	report  *models.EscalationReport
	done    chan struct{}
}

// Contacts 快照中的联系人
func (r *Run) Contacts() []models.Contact {
	return append([]models.Contact(nil), r.contacts...)
}

// Start 以最终的升级请求开始调度（非阻塞）
func (r *Run) Start(req models.EscalationRequest) error {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return context.Canceled
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyDispatched
	}
	if err := r.d.markDispatched(req.ID); err != nil {
		r.mu.Unlock()
		return err
	}
	r.started = true
	r.mu.Unlock()

	// 挂起时位置未知、升级时已有定位，补查医疗机构
	if !r.facilitiesFetched && req.Location.Known {
		r.facilities = r.d.snapshotFacilities(r.ctx, req.Location)
		r.facilitiesFetched = true
	}

	go func() {
		report := r.d.execute(r.ctx, req, r.contacts, r.facilities)
		r.mu.Lock()
		r.report = report
		r.mu.Unlock()
		r.cancel()
		close(r.done)
	}()
	return nil
}

// Abort 中止调度：取消尚未开始的尝试和正在进行的等待，已发起的呼叫不撤回
func (r *Run) Abort() {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	started := r.started
	r.mu.Unlock()

	r.cancel()
	if !started {
		close(r.done)
	}
	r.d.logger.Debug("Escalation channel aborted", zap.Bool("started", started))
}

// Done 调度结束（或未开始即被中止）时关闭
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Active 已开始、未被中止且尚未结束
func (r *Run) Active() bool {
	r.mu.Lock()
	started, aborted := r.started, r.aborted
	r.mu.Unlock()
	if !started || aborted {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Wait 等待调度结束；未开始即被中止时返回 nil
func (r *Run) Wait() *models.EscalationReport {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}
