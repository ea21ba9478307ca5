package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meli_sync_v1/internal/service"
)

// EventTask 处理待处理事件
// 每轮先回收卡在 processing 的事件，再处理一批
type EventTask struct {
	eventService *service.EventService
	batchSize    int
	stuckAfter   time.Duration
	logger       *zap.SugaredLogger
}

func NewEventTask(eventService *service.EventService, batchSize int, stuckAfter time.Duration, logger *zap.SugaredLogger) *EventTask {
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	return &EventTask{
		eventService: eventService,
		batchSize:    batchSize,
		stuckAfter:   stuckAfter,
		logger:       logger.With("task", "events"),
	}
}

func (t *EventTask) Name() string { return "events" }

func (t *EventTask) Run(ctx context.Context) {
	if _, err := t.RunNow(ctx); err != nil {
		t.logger.Errorw("事件处理失败", "error", err)
	}
}

func (t *EventTask) RunNow(ctx context.Context) (*service.ProcessReport, error) {
	if _, err := t.eventService.RecoverStuck(ctx, t.stuckAfter); err != nil {
		// 回收失败不影响本轮处理
		t.logger.Warnw("回收卡住的事件失败", "error", err)
	}
	return t.eventService.ProcessPending(ctx, t.batchSize)
}
