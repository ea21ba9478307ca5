package dto

import (
	"encoding/json"
	"time"

	"meli_sync_v1/internal/model"
)

// ================== Event DTO ==================

// EventListReq 事件列表请求
type EventListReq struct {
	Page      int    `form:"page,default=1"`
	PageSize  int    `form:"page_size,default=20"`
	AccountID string `form:"account_id"`
	Topic     string `form:"topic"`
	Status    string `form:"status"`
}

// EventResp 事件响应
type EventResp struct {
	EventID      string          `json:"event_id"`
	AccountID    string          `json:"account_id"`
	Topic        string          `json:"topic"`
	RawTopic     string          `json:"raw_topic"`
	Resource     string          `json:"resource"`
	ResourceID   string          `json:"resource_id"`
	Status       string          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ProcessError string          `json:"process_error,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
	ProcessedAt  *time.Time      `json:"processed_at"`
}

// EventListResp 事件列表响应
type EventListResp struct {
	Total int64       `json:"total"`
	List  []EventResp `json:"list"`
}

// NewEventListResp 列表转换，withPayload 为 false 时不返回原始数据
func NewEventListResp(events []model.WebhookEvent, total int64, withPayload bool) EventListResp {
	list := make([]EventResp, 0, len(events))
	for i := range events {
		ev := &events[i]
		r := EventResp{
			EventID:      ev.EventID,
			AccountID:    ev.AccountID,
			Topic:        string(ev.Topic),
			RawTopic:     ev.RawTopic,
			Resource:     ev.Resource,
			ResourceID:   ev.ResourceID,
			Status:       string(ev.Status),
			RetryCount:   ev.RetryCount,
			ProcessError: ev.ProcessError,
			ReceivedAt:   ev.ReceivedAt,
			ProcessedAt:  ev.ProcessedAt,
		}
		if withPayload && len(ev.Payload) > 0 {
			r.Payload = json.RawMessage(ev.Payload)
		}
		list = append(list, r)
	}
	return EventListResp{Total: total, List: list}
}
