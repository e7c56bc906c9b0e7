package tool

import (
	"encoding/json"
	"fmt"

	xerrors "VCMilei/internal/errors"
)

// Result 是工具执行的结果。Success 为权威标志：成功时 Data 有效，失败时 Error 有效。
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK 构造成功结果。
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Failure 将错误转换为失败结果。带错误码的错误只暴露其对外信息，不带码前缀。
func Failure(err error) Result {
	if err == nil {
		return Result{Success: false, Error: "unspecified failure"}
	}
	if _, ok := xerrors.From(err); ok {
		return Result{Success: false, Error: xerrors.PublicMessage(err)}
	}
	return Result{Success: false, Error: err.Error()}
}

// Failf 使用格式化信息构造失败结果。
func Failf(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Content 将结果编码为回传给模型的消息内容。
func (r Result) Content() string {
	encoded, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(Result{Success: false, Error: fmt.Sprintf("encode tool result: %v", err)})
		return string(fallback)
	}
	return string(encoded)
}
