package engine

import (
	"errors"
	"fmt"

	"github.com/hewenyu/selfheal/internal/health"
)

// Code 引擎错误代码
type Code int

// 定义错误代码
const (
	// CodeUnknownService 服务未配置
	CodeUnknownService Code = iota + 1
	// CodeAlreadyRecovering 服务已有进行中的恢复
	CodeAlreadyRecovering
	// CodeAlreadyRunning 监控循环已在运行
	CodeAlreadyRunning
	// CodeInvalidArgument 参数无效
	CodeInvalidArgument
	// CodeInternal 内部错误
	CodeInternal
)

var codeNames = map[Code]string{
	CodeUnknownService:    "unknown_service",
	CodeAlreadyRecovering: "already_recovering",
	CodeAlreadyRunning:    "already_running",
	CodeInvalidArgument:   "invalid_argument",
	CodeInternal:          "internal",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCode 根据名称解析错误代码
func ParseCode(name string) (Code, bool) {
	for code, n := range codeNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

// Error 引擎操作返回的错误
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error 实现error接口
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 创建引擎错误
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode 判断错误链中是否有指定代码的引擎错误
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// fromHealth 把状态表的错误转换为引擎错误
func fromHealth(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, health.ErrUnknownService):
		return &Error{Code: CodeUnknownService, Message: fmt.Sprintf("未知服务: %s", name), Err: err}
	case errors.Is(err, health.ErrAlreadyRecovering):
		return &Error{Code: CodeAlreadyRecovering, Message: fmt.Sprintf("服务 %s 正在恢复中", name), Err: err}
	default:
		return &Error{Code: CodeInternal, Message: fmt.Sprintf("服务 %s 状态错误", name), Err: err}
	}
}
