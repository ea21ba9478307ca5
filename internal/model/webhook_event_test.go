package model

import "testing"

func TestParseTopic(t *testing.T) {
	tests := map[string]Topic{
		"orders_v2":       TopicOrders,
		"orders_feedback": TopicOrders,
		"items":           TopicItems,
		"items_prices":    TopicItems,
		"shipments":       TopicShipments,
		"questions":       TopicQuestions,
		"payments":        TopicPayments,
		"claims":          TopicDisputes,
		" Orders ":        TopicOrders,
		"messages":        TopicUnknown,
		"":                TopicUnknown,
	}
	for raw, want := range tests {
		if got := ParseTopic(raw); got != want {
			t.Errorf("ParseTopic(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestResourceIDFromPath(t *testing.T) {
	tests := map[string]string{
		"orders/555":                        "555",
		"/orders/555":                       "555",
		"/items/MLB123456/":                 "MLB123456",
		"/questions/42?version=2":           "42",
		"/collections/notifications/998877": "998877",
		"777":                               "777",
	}
	for in, want := range tests {
		if got := ResourceIDFromPath(in); got != want {
			t.Errorf("ResourceIDFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  EventStatus
		to    EventStatus
		retry int
		want  bool
	}{
		{"received -> processing", EventStatusReceived, EventStatusProcessing, 0, true},
		{"received -> processed", EventStatusReceived, EventStatusProcessed, 0, false},
		{"processing -> processed", EventStatusProcessing, EventStatusProcessed, 0, true},
		{"processing -> failed", EventStatusProcessing, EventStatusFailed, 0, true},
		{"failed -> processing (可重试)", EventStatusFailed, EventStatusProcessing, 2, true},
		{"failed -> processing (已耗尽)", EventStatusFailed, EventStatusProcessing, 3, false},
		{"processed -> processing", EventStatusProcessed, EventStatusProcessing, 0, false},
		{"failed -> received (人工)", EventStatusFailed, EventStatusReceived, 3, true},
		{"processed -> received", EventStatusProcessed, EventStatusReceived, 0, false},
		{"processing -> received", EventStatusProcessing, EventStatusReceived, 0, false},
		{"未知目标状态", EventStatusReceived, EventStatus("archived"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to, tt.retry, MaxEventRetries); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventStatus_IsTerminal(t *testing.T) {
	if !EventStatusProcessed.IsTerminal(0, MaxEventRetries) {
		t.Error("processed 应为终态")
	}
	if EventStatusFailed.IsTerminal(2, MaxEventRetries) {
		t.Error("failed 且未耗尽不应为终态")
	}
	if !EventStatusFailed.IsTerminal(3, MaxEventRetries) {
		t.Error("failed 且耗尽应为终态")
	}
}
