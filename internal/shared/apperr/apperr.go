// Package apperr 领域错误分类
//
// 每个 Kind 同时归入 containerd/errdefs 的标准类别，
// 因此调用方既可以用 KindOf 取分类，也可以用 errdefs.IsNotFound 等判断。
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

// Kind 错误分类
type Kind string

const (
	KindInvalidScope        Kind = "invalid_scope"
	KindVersionRequired     Kind = "version_required"
	KindDispatchUnavailable Kind = "dispatch_unavailable"
	KindNotFound            Kind = "not_found"
	KindTransportTimeout    Kind = "transport_timeout"
)

// Error 带分类的领域错误
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap 返回底层原因和对应的 errdefs 类别
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if class := e.Kind.class(); class != nil {
		errs = append(errs, class)
	}
	return errs
}

// Is 同 Kind 的 *Error 视为相等，便于 errors.Is(err, apperr.NotFound(""))
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func (k Kind) class() error {
	switch k {
	case KindInvalidScope:
		return errdefs.ErrInvalidArgument
	case KindVersionRequired:
		return errdefs.ErrFailedPrecondition
	case KindDispatchUnavailable:
		return errdefs.ErrUnavailable
	case KindNotFound:
		return errdefs.ErrNotFound
	case KindTransportTimeout:
		return context.DeadlineExceeded
	}
	return nil
}

// ============================================================================
// 构造函数
// ============================================================================

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidScope owner/project/task 等作用域参数非法
func InvalidScope(format string, args ...any) *Error {
	return newf(KindInvalidScope, nil, format, args...)
}

// VersionRequired 缺少版本标签
func VersionRequired(format string, args ...any) *Error {
	return newf(KindVersionRequired, nil, format, args...)
}

// DispatchUnavailable 远端 worker 不可用或下发失败
func DispatchUnavailable(err error, format string, args ...any) *Error {
	return newf(KindDispatchUnavailable, err, format, args...)
}

// NotFound 实体或对象不存在
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, nil, format, args...)
}

// TransportTimeout 远端调用超时（可重试）
func TransportTimeout(err error, format string, args ...any) *Error {
	return newf(KindTransportTimeout, err, format, args...)
}

// ============================================================================
// 判断函数
// ============================================================================

// KindOf 返回错误分类，非领域错误返回空字符串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound 是否为 NotFound（包括 errdefs 类别的 NotFound）
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// IsRetryable 超时和远端不可用可以重试，其余不重试
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransportTimeout, KindDispatchUnavailable:
		return true
	}
	return false
}

// FromContext 将 context 超时转换为 TransportTimeout，其余原样返回
func FromContext(err error, op string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransportTimeout(err, "%s timed out", op)
	}
	return err
}

// HTTPStatus 错误到 HTTP 状态码的映射
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidScope:
		return http.StatusBadRequest
	case KindVersionRequired:
		return http.StatusConflict
	case KindDispatchUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindTransportTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
