package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/metrics"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/realtime"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/pkg/meli"
)

// ProcessReport 一轮事件处理结果
type ProcessReport struct {
	Selected  int `json:"selected"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // 被其他处理者抢先
}

// EventService Webhook 事件处理
type EventService struct {
	eventRepo   repository.WebhookEventRepository
	accountRepo repository.AccountRepository
	tokenSvc    *TokenService
	client      MarketplaceClient
	cache       Invalidator
	publisher   Publisher
	logger      *zap.SugaredLogger
	cfg         config.EventsConfig

	now func() time.Time
}

// Invalidator 缓存失效出口
type Invalidator interface {
	Invalidate(ctx context.Context, accountID string, topic model.Topic) int
}

var _ Invalidator = (*CacheService)(nil)

// NewEventService 创建事件处理服务
func NewEventService(
	eventRepo repository.WebhookEventRepository,
	accountRepo repository.AccountRepository,
	tokenSvc *TokenService,
	client MarketplaceClient,
	cache Invalidator,
	publisher Publisher,
	cfg config.EventsConfig,
	logger *zap.SugaredLogger,
) *EventService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = model.MaxEventRetries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &EventService{
		eventRepo:   eventRepo,
		accountRepo: accountRepo,
		tokenSvc:    tokenSvc,
		client:      client,
		cache:       cache,
		publisher:   publisher,
		logger:      logger.With("component", "events"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// ProcessPending 处理一批待处理事件
// batchSize <= 0 时使用配置值；单个事件失败不影响其他事件
func (s *EventService) ProcessPending(ctx context.Context, batchSize int) (*ProcessReport, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}

	events, err := s.eventRepo.ListPending(ctx, s.cfg.MaxRetries, batchSize)
	if err != nil {
		return nil, fmt.Errorf("查询待处理事件失败: %w", err)
	}
	report := &ProcessReport{Selected: len(events)}
	if len(events) == 0 {
		return report, nil
	}

	var processed, failed, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range events {
		ev := &events[i]
		g.Go(func() error {
			err := s.ProcessEvent(gctx, ev)
			switch {
			case err == nil:
				processed.Add(1)
			case errors.Is(err, errEventNotClaimed):
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			// 单个事件失败不取消整批
			return nil
		})
	}
	_ = g.Wait()

	report.Processed = int(processed.Load())
	report.Failed = int(failed.Load())
	report.Skipped = int(skipped.Load())

	s.logger.Infow("事件批处理完成",
		"selected", report.Selected,
		"processed", report.Processed,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}

// errEventNotClaimed 事件已被其他处理者取走或不再可处理
var errEventNotClaimed = errors.New("event_not_claimed")

// ProcessEvent 处理单个事件：抢占 -> 解析账号 -> 拉取资源 -> 落库 -> 清缓存 -> 推送
func (s *EventService) ProcessEvent(ctx context.Context, ev *model.WebhookEvent) error {
	log := s.logger.With("event_id", ev.EventID, "topic", ev.Topic, "resource_id", ev.ResourceID)

	// 1. 抢占，received/failed -> processing
	if !ev.Status.CanTransition(model.EventStatusProcessing, ev.RetryCount, s.cfg.MaxRetries) {
		log.Debugw("事件状态不可处理", "status", ev.Status, "retry_count", ev.RetryCount)
		return errEventNotClaimed
	}
	claimed, err := s.eventRepo.Claim(ctx, ev.ID, s.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("抢占事件失败: %w", err)
	}
	if !claimed {
		log.Debug("事件已被其他处理者抢占")
		return errEventNotClaimed
	}
	ev.Status = model.EventStatusProcessing

	// 2. 解析账号
	acc, err := s.resolveAccount(ctx, ev)
	if err != nil {
		return s.fail(ctx, ev, err)
	}
	ev.AccountID = acc.AccountID
	ev.OwnerUserID = acc.OwnerUserID

	// 3. 拉取资源，未知 topic 不拉取
	if ev.Topic != model.TopicUnknown && ev.Topic != "" {
		payload, err := s.fetchWithRefresh(ctx, acc, ev)
		if err != nil {
			return s.fail(ctx, ev, err)
		}
		ev.Payload = datatypes.JSON(payload)
	}

	// 4. 落库
	now := s.now()
	ev.ProcessedAt = &now
	if err := s.eventRepo.MarkProcessed(ctx, ev); err != nil {
		log.Errorw("保存处理结果失败", "error", err)
		return err
	}
	ev.Status = model.EventStatusProcessed
	ev.ProcessError = ""
	metrics.EventsProcessedTotal.WithLabelValues(string(ev.Topic), "processed").Inc()

	// 5. 清缓存 & 推送，失败不影响事件状态
	removed := 0
	if s.cache != nil {
		removed = s.cache.Invalidate(ctx, acc.AccountID, ev.Topic)
	}
	s.publisher.Publish(realtime.Notification{
		Type:        realtime.NotificationEventProcessed,
		OwnerUserID: acc.OwnerUserID,
		AccountID:   acc.AccountID,
		Topic:       string(ev.Topic),
		ResourceID:  ev.ResourceID,
		EventID:     ev.EventID,
		Data:        json.RawMessage(ev.Payload),
		Timestamp:   now,
	})

	log.Infow("事件处理完成", "account_id", acc.AccountID, "cache_removed", removed)
	return nil
}

// RecoverStuck 回收长时间停留在 processing 的事件
func (s *EventService) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.eventRepo.RecoverStuck(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warnw("回收卡住的事件", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// resolveAccount 优先用入站时解析的 AccountID，否则按平台用户 ID 查
func (s *EventService) resolveAccount(ctx context.Context, ev *model.WebhookEvent) (*model.Account, error) {
	var (
		acc *model.Account
		err error
	)
	if ev.AccountID != "" {
		acc, err = s.accountRepo.GetByAccountID(ctx, ev.AccountID)
	} else {
		acc, err = s.accountRepo.GetByMarketplaceUserID(ctx, ev.MarketplaceUserID)
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountUnavailable
		}
		return nil, err
	}
	if !acc.IsConnected() {
		return nil, ErrAccountUnavailable
	}
	return acc, nil
}

// fetchWithRefresh 401 时刷新 Token 后重试一次
func (s *EventService) fetchWithRefresh(ctx context.Context, acc *model.Account, ev *model.WebhookEvent) (json.RawMessage, error) {
	payload, err := s.fetch(ctx, acc.AccessToken, ev)
	if err == nil || !meli.IsUnauthorized(err) {
		return payload, s.wrapFetchErr(ev, err)
	}

	s.logger.Infow("access token 被拒绝，刷新后重试", "event_id", ev.EventID, "account_id", acc.AccountID)
	if _, rerr := s.tokenSvc.Refresh(ctx, acc); rerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, rerr)
	}

	payload, err = s.fetch(ctx, acc.AccessToken, ev)
	return payload, s.wrapFetchErr(ev, err)
}

func (s *EventService) wrapFetchErr(ev *model.WebhookEvent, err error) error {
	if err == nil {
		return nil
	}
	return &FetchFailedError{
		Topic:      string(ev.Topic),
		ResourceID: ev.ResourceID,
		HTTPStatus: meli.StatusCode(err),
		Err:        err,
	}
}

func (s *EventService) fetch(ctx context.Context, accessToken string, ev *model.WebhookEvent) (json.RawMessage, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	id := ev.ResourceID
	switch ev.Topic {
	case model.TopicOrders:
		return s.client.GetOrder(fctx, accessToken, id)
	case model.TopicItems:
		return s.client.GetItem(fctx, accessToken, id)
	case model.TopicShipments:
		return s.client.GetShipment(fctx, accessToken, id)
	case model.TopicQuestions:
		return s.client.GetQuestion(fctx, accessToken, id)
	case model.TopicPayments:
		return s.client.GetPayment(fctx, accessToken, id)
	case model.TopicDisputes:
		return s.client.GetClaim(fctx, accessToken, id)
	default:
		return nil, fmt.Errorf("unsupported topic %q", ev.Topic)
	}
}

// fail 记录失败，retry_count+1
func (s *EventService) fail(ctx context.Context, ev *model.WebhookEvent, cause error) error {
	if err := s.eventRepo.MarkFailed(ctx, ev.ID, cause.Error()); err != nil {
		s.logger.Errorw("保存事件失败状态出错", "event_id", ev.EventID, "error", err)
	}
	ev.Status = model.EventStatusFailed
	ev.RetryCount++
	ev.ProcessError = cause.Error()

	metrics.EventsProcessedTotal.WithLabelValues(string(ev.Topic), "failed").Inc()
	s.logger.Warnw("事件处理失败",
		"event_id", ev.EventID,
		"topic", ev.Topic,
		"retry_count", ev.RetryCount,
		"error", cause,
	)
	if ev.Status.IsTerminal(ev.RetryCount, s.cfg.MaxRetries) {
		s.logger.Errorw("事件重试次数耗尽，需人工重新入队", "event_id", ev.EventID, "topic", ev.Topic)
	}
	return cause
}
