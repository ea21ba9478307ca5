package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/metrics"
	"meli_sync_v1/internal/model"
	"meli_sync_v1/internal/repository"
)

// ==================== 通知结构 ====================

// Notification Mercado Livre 推送的通知体
type Notification struct {
	Resource      string `json:"resource"`
	UserID        int64  `json:"user_id"`
	Topic         string `json:"topic"`
	ApplicationID int64  `json:"application_id"`
	Attempts      int    `json:"attempts"`
	Sent          string `json:"sent"`
	Received      string `json:"received"`
}

// Validate 必填字段检查
func (n *Notification) Validate() error {
	switch {
	case strings.TrimSpace(n.Resource) == "":
		return errors.New("resource 不能为空")
	case strings.TrimSpace(n.Topic) == "":
		return errors.New("topic 不能为空")
	case n.UserID <= 0:
		return errors.New("user_id 不能为空")
	}
	return nil
}

// InboundWebhook 已应答、等待入库的通知
type InboundWebhook struct {
	Notification Notification
	Body         []byte
	RequestID    string
	Signature    string
	ReceivedAt   time.Time
}

// ==================== 签名校验 ====================

// SignatureVerifier 通知签名校验
type SignatureVerifier interface {
	Verify(in *InboundWebhook) bool
}

// NoopVerifier 不校验
type NoopVerifier struct{}

func (NoopVerifier) Verify(*InboundWebhook) bool { return true }

// HMACVerifier 校验 x-signature: "ts=<unix>,v1=<hex>"
// 签名内容为 x-request-id + ts + body
type HMACVerifier struct {
	Secret []byte
}

func (v HMACVerifier) Verify(in *InboundWebhook) bool {
	ts, sig := parseSignatureHeader(in.Signature)
	if ts == "" || sig == "" {
		return false
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, SignWebhook(v.Secret, in.RequestID, ts, in.Body))
}

// SignWebhook 计算签名，测试和本地联调时也用它生成 header
func SignWebhook(secret []byte, requestID, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(requestID))
	mac.Write([]byte(ts))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseSignatureHeader(h string) (ts, v1 string) {
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	return ts, v1
}

// NewSignatureVerifier 按配置选择校验器
func NewSignatureVerifier(cfg config.WebhookConfig) SignatureVerifier {
	if !cfg.VerifySignature || cfg.Secret == "" {
		return NoopVerifier{}
	}
	return HMACVerifier{Secret: []byte(cfg.Secret)}
}

// ==================== 接收服务 ====================

// WebhookService 通知接收
// HTTP 层只负责校验和入队，入库由后台 worker 完成，应答不等待任何 IO
type WebhookService struct {
	eventRepo   repository.WebhookEventRepository
	accountRepo repository.AccountRepository
	verifier    SignatureVerifier
	logger      *zap.SugaredLogger

	queue   chan *InboundWebhook
	workers int
	wg      sync.WaitGroup
	now     func() time.Time

	mu      sync.RWMutex
	stopped bool
}

// NewWebhookService 创建接收服务，需调用 Start 启动 worker
func NewWebhookService(
	eventRepo repository.WebhookEventRepository,
	accountRepo repository.AccountRepository,
	verifier SignatureVerifier,
	cfg config.WebhookConfig,
	logger *zap.SugaredLogger,
) *WebhookService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if verifier == nil {
		verifier = NoopVerifier{}
	}
	return &WebhookService{
		eventRepo:   eventRepo,
		accountRepo: accountRepo,
		verifier:    verifier,
		logger:      logger.With("component", "webhook"),
		queue:       make(chan *InboundWebhook, cfg.QueueSize),
		workers:     cfg.Workers,
		now:         time.Now,
	}
}

// Enqueue 非阻塞入队，队列满或服务已停止时丢弃并返回 false
func (s *WebhookService) Enqueue(in *InboundWebhook) bool {
	metrics.WebhookReceivedTotal.WithLabelValues(string(model.ParseTopic(in.Notification.Topic))).Inc()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		metrics.WebhookDroppedTotal.WithLabelValues("stopped").Inc()
		s.logger.Errorw("通知服务已停止，丢弃",
			"topic", in.Notification.Topic,
			"resource", in.Notification.Resource,
			"user_id", in.Notification.UserID,
		)
		return false
	}

	select {
	case s.queue <- in:
		return true
	default:
		metrics.WebhookDroppedTotal.WithLabelValues("queue_full").Inc()
		s.logger.Errorw("通知队列已满，丢弃",
			"topic", in.Notification.Topic,
			"resource", in.Notification.Resource,
			"user_id", in.Notification.UserID,
		)
		return false
	}
}

// Start 启动 worker
// worker 的生命周期由 Stop 控制，ctx 只提供入库时的上下文值，取消它不会让 worker 退出
func (s *WebhookService) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(base)
	}
	s.logger.Infow("通知 worker 已启动", "workers", s.workers, "queue_size", cap(s.queue))
}

// Stop 关闭队列并等待 worker 处理完剩余通知
// 必须在 HTTP 服务 Shutdown 之后调用，保证已应答的通知全部入库
func (s *WebhookService) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.queue)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("通知 worker 已退出")
}

func (s *WebhookService) worker(ctx context.Context) {
	defer s.wg.Done()
	for in := range s.queue {
		s.store(ctx, in)
	}
}

// store 校验签名 -> 解析账号 -> 去重 -> 入库
// 任何失败只记日志，平台侧已收到 200
func (s *WebhookService) store(ctx context.Context, in *InboundWebhook) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("通知入库 panic", "panic", r)
		}
	}()

	n := in.Notification
	log := s.logger.With("topic", n.Topic, "resource", n.Resource, "user_id", n.UserID)

	// 1. 签名
	if !s.verifier.Verify(in) {
		metrics.WebhookDroppedTotal.WithLabelValues("bad_signature").Inc()
		log.Warn("通知签名校验失败，丢弃")
		return
	}

	ev, err := s.BuildEvent(ctx, in)
	if err != nil {
		log.Errorw("构建事件失败", "error", err)
		return
	}

	// 2. 同一资源已有待处理事件时丢弃，处理时总会拉取最新数据
	dup, err := s.eventRepo.ExistsPending(ctx, ev.MarketplaceUserID, ev.Topic, ev.Resource)
	if err != nil {
		log.Warnw("查询重复事件失败，继续入库", "error", err)
	} else if dup {
		metrics.WebhookDroppedTotal.WithLabelValues("duplicate").Inc()
		log.Debug("重复通知，已忽略")
		return
	}

	// 3. 入库
	if err := s.eventRepo.Create(ctx, ev); err != nil {
		metrics.WebhookDroppedTotal.WithLabelValues("store_failed").Inc()
		log.Errorw("事件入库失败", "error", err)
		return
	}
	log.Debugw("事件已入库", "event_id", ev.EventID, "account_id", ev.AccountID)
}

// BuildEvent 由通知构建事件记录，账号不存在时 AccountID 留空，由处理阶段记为 account_unavailable
func (s *WebhookService) BuildEvent(ctx context.Context, in *InboundWebhook) (*model.WebhookEvent, error) {
	n := in.Notification

	payload := in.Body
	if len(payload) == 0 || !json.Valid(payload) {
		b, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		payload = b
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	ev := &model.WebhookEvent{
		EventID:           uuid.NewString(),
		MarketplaceUserID: n.UserID,
		Topic:             model.ParseTopic(n.Topic),
		RawTopic:          n.Topic,
		Resource:          n.Resource,
		ResourceID:        model.ResourceIDFromPath(n.Resource),
		ApplicationID:     n.ApplicationID,
		Attempts:          n.Attempts,
		Payload:           datatypes.JSON(payload),
		Status:            model.EventStatusReceived,
		ReceivedAt:        receivedAt,
	}

	acc, err := s.accountRepo.GetByMarketplaceUserID(ctx, n.UserID)
	switch {
	case err == nil:
		ev.AccountID = acc.AccountID
		ev.OwnerUserID = acc.OwnerUserID
	case errors.Is(err, gorm.ErrRecordNotFound):
		s.logger.Warnw("通知对应的账号不存在", "user_id", n.UserID)
	default:
		return nil, err
	}
	return ev, nil
}
