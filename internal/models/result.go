package models

import "time"

// Result 所有入站端点的统一响应：状态 + 可读消息 + 数据载荷
// 内部错误一律转成 status=error 的结构化响应，绝不让单条畸形上报打断连接或进程
type Result struct {
	Status    string                 `json:"status"` // "success" | "error"
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OkResult 成功响应
func OkResult(message string, data map[string]interface{}) *Result {
	return &Result{
		Status:    StatusSuccess,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// ErrResult 错误响应
func ErrResult(message string) *Result {
	return &Result{
		Status:    StatusError,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}
