package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meli_sync_v1/internal/metrics"
	"meli_sync_v1/internal/model"
)

// 缓存 key 约定：<kind>:<scope>:<accountID>:<rest>
// 例如 orders:list:acc-1:page=1, stats:daily:acc-1:2026-01-01
var topicCacheKinds = map[model.Topic][]string{
	model.TopicOrders:    {"orders", "stats", "analytics"},
	model.TopicItems:     {"items", "products", "stats"},
	model.TopicShipments: {"shipments", "orders"},
	model.TopicQuestions: {"questions"},
	model.TopicPayments:  {"payments", "stats", "analytics"},
	model.TopicDisputes:  {"claims", "stats"},
}

const (
	scanBatch      = 200
	oauthStatePref = "oauth:state:"
)

// TopicPatterns topic 对应的缓存 key 模式，未知 topic 返回空
func TopicPatterns(accountID string, topic model.Topic) []string {
	kinds := topicCacheKinds[topic]
	patterns := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		patterns = append(patterns, fmt.Sprintf("%s:*:%s:*", kind, accountID))
	}
	return patterns
}

// CacheService 基于 Redis 的缓存失效与 OAuth state 存储
type CacheService struct {
	rdb    *redis.Client
	logger *zap.SugaredLogger
}

// NewCacheService 创建缓存服务
func NewCacheService(rdb *redis.Client, logger *zap.SugaredLogger) *CacheService {
	return &CacheService{
		rdb:    rdb,
		logger: logger.With("component", "cache"),
	}
}

// Invalidate 删除账号在该 topic 下的缓存，返回删除数量
// 出错只记日志，不影响调用方
func (s *CacheService) Invalidate(ctx context.Context, accountID string, topic model.Topic) int {
	if accountID == "" {
		return 0
	}
	return s.deletePatterns(ctx, accountID, TopicPatterns(accountID, topic))
}

// InvalidateAccount 删除账号的全部缓存 (解绑 / 删除时使用)
func (s *CacheService) InvalidateAccount(ctx context.Context, accountID string) int {
	if accountID == "" {
		return 0
	}
	return s.deletePatterns(ctx, accountID, []string{fmt.Sprintf("*:*:%s:*", accountID)})
}

func (s *CacheService) deletePatterns(ctx context.Context, accountID string, patterns []string) int {
	removed := 0
	for _, pattern := range patterns {
		n, err := s.deletePattern(ctx, pattern)
		removed += n
		if err != nil {
			s.logger.Warnw("缓存清理失败", "account_id", accountID, "pattern", pattern, "error", err)
		}
	}
	if removed > 0 {
		metrics.CacheKeysInvalidated.Add(float64(removed))
		s.logger.Debugw("缓存已清理", "account_id", accountID, "removed", removed)
	}
	return removed
}

// deletePattern SCAN + DEL，不使用 KEYS 避免阻塞 Redis
func (s *CacheService) deletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			removed += int(n)
			if err != nil {
				return removed, err
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// ==================== OAuth state ====================

// SaveOAuthState 保存授权 state，ttl 后自动失效
func (s *CacheService) SaveOAuthState(ctx context.Context, state, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, oauthStatePref+state, value, ttl).Err()
}

// TakeOAuthState 取出并删除 state，只能使用一次
func (s *CacheService) TakeOAuthState(ctx context.Context, state string) (string, error) {
	v, err := s.rdb.GetDel(ctx, oauthStatePref+state).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidState
	}
	return v, err
}
