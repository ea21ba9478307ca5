package meli

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError Mercado Livre 返回的非 2xx 响应
type APIError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"error"`
	Message    string `json:"message"`
	Path       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("meli %s: status %d: %s (%s)", e.Path, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("meli %s: status %d: %s", e.Path, e.StatusCode, e.Message)
}

// StatusCode 取出错误中的 HTTP 状态码，非 APIError 返回 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsUnauthorized access token 失效
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsNotFound 资源不存在
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsTransient 网络错误、限流或 5xx，可以稍后重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
}
