package model

import "time"

// MaxErrorHistory 账号错误记录上限
const MaxErrorHistory = 20

// ErrorEntry 单条错误记录
type ErrorEntry struct {
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorHistory 固定容量的错误记录，按时间从旧到新排列
type ErrorHistory []ErrorEntry

// Push 追加记录；已满时整体前移一位覆盖最旧一条，底层数组不会超过上限
func (h *ErrorHistory) Push(e ErrorEntry) {
	cur := *h
	if len(cur) < MaxErrorHistory {
		if cap(cur) < MaxErrorHistory {
			grown := make(ErrorHistory, len(cur), MaxErrorHistory)
			copy(grown, cur)
			cur = grown
		}
		*h = append(cur, e)
		return
	}

	// 兼容超长的旧数据：先截到最近 MaxErrorHistory 条再前移
	cur = cur[len(cur)-MaxErrorHistory:]
	copy(cur, cur[1:])
	cur[MaxErrorHistory-1] = e
	*h = cur
}

// Latest 最近一条记录
func (h ErrorHistory) Latest() (ErrorEntry, bool) {
	if len(h) == 0 {
		return ErrorEntry{}, false
	}
	return h[len(h)-1], true
}
