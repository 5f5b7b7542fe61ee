package domain

import "errors"

// 定义通用业务错误
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrOrderNotCancelable = errors.New("order not cancelable")

	// ErrSubmissionFailed 提交失败 (传输层错误，可重试)
	ErrSubmissionFailed = errors.New("broker submission failed")

	// ErrIllegalTransition 非法状态流转 — 属于编程/集成错误，不是业务拒绝
	ErrIllegalTransition = errors.New("illegal order state transition")

	// ErrAccountFrozen 资金守恒不变式被破坏后账户冻结，禁止新建订单
	ErrAccountFrozen = errors.New("account frozen: capital invariant violated")

	// ErrInsufficientCapital 可用资金不足，预留失败
	ErrInsufficientCapital = errors.New("insufficient available capital")
)

// RejectReason 校验/仓位计算的结构化拒绝码
type RejectReason string

const (
	RejectKillSwitch          RejectReason = "KILL_SWITCH"
	RejectDailyHalt           RejectReason = "DAILY_HALT"
	RejectDailyLossBreach     RejectReason = "DAILY_LOSS_BREACH"
	RejectDuplicate           RejectReason = "DUPLICATE"
	RejectTickCooldown        RejectReason = "TICK_COOLDOWN"
	RejectTimeCooldown        RejectReason = "TIME_COOLDOWN"
	RejectSameDirection       RejectReason = "SAME_DIRECTION"
	RejectMaxPositions        RejectReason = "MAX_POSITIONS"
	RejectInsufficientCapital RejectReason = "INSUFFICIENT_CAPITAL"
	RejectExposureCap         RejectReason = "EXPOSURE_CAP"

	// 仓位计算链将数量压到 0 以下
	RejectSizingZero RejectReason = "SIZING_ZERO"
	// 请求本身不合法 (手动下单)
	RejectInvalidQty   RejectReason = "INVALID_QTY"
	RejectInvalidPrice RejectReason = "INVALID_PRICE"
)

// ValidationRejectedError 校验拒绝 — 预期内、不可重试，携带结构化原因码
type ValidationRejectedError struct {
	Reason RejectReason
}

func (e *ValidationRejectedError) Error() string {
	return "validation rejected: " + string(e.Reason)
}

// NewValidationRejected 构造校验拒绝错误
func NewValidationRejected(reason RejectReason) *ValidationRejectedError {
	return &ValidationRejectedError{Reason: reason}
}

// ReasonOf 提取错误中的拒绝码；非校验错误返回空串
func ReasonOf(err error) RejectReason {
	var vr *ValidationRejectedError
	if errors.As(err, &vr) {
		return vr.Reason
	}
	return ""
}

// AppError 应用错误，包含错误码和消息
type AppError struct {
	Code    int    // HTTP 状态码
	Message string // 用户友好的错误消息
	Err     error  // 原始错误
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// 创建常见错误的便捷函数
func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: 404, Message: msg, Err: ErrNotFound}
}

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: 400, Message: msg, Err: ErrInvalidInput}
}

func NewInternalError(msg string, err error) *AppError {
	return &AppError{Code: 500, Message: msg, Err: err}
}
