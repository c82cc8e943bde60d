package errs

// 业务错误码
const (
	ServerInternalError = 500

	ArgsError                  = 1001 // 参数错误，终态，不重试
	NoPermissionError          = 1002 // 非会话成员 / 非发送者 / 非管理员
	RecordNotFoundError        = 1004 // 会话、消息、成员不存在
	InvalidStateError          = 1005 // 非法状态迁移，例如向单聊拉人
	DependencyUnavailableError = 1006 // 持久化 / 传输层不可用，可重试
	RecordExistsError          = 1007

	TokenInvalidError = 1501
	TokenExpiredError = 1502
	TokenMissingError = 1503
)

var (
	ErrInternalServer        = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs                  = NewCodeError(ArgsError, "ArgsError")
	ErrAccessDenied          = NewCodeError(NoPermissionError, "AccessDenied")
	ErrNotFound              = NewCodeError(RecordNotFoundError, "NotFound")
	ErrInvalidState          = NewCodeError(InvalidStateError, "InvalidState")
	ErrDependencyUnavailable = NewCodeError(DependencyUnavailableError, "DependencyUnavailable")
	ErrRecordExists          = NewCodeError(RecordExistsError, "RecordExists")

	ErrTokenInvalid = NewCodeError(TokenInvalidError, "TokenInvalid")
	ErrTokenExpired = NewCodeError(TokenExpiredError, "TokenExpired")
	ErrTokenMissing = NewCodeError(TokenMissingError, "TokenMissing")
)

func init() {
	// token 类错误都归属 TokenInvalid
	_ = DefaultCodeRelation.Add(TokenInvalidError, TokenExpiredError)
	_ = DefaultCodeRelation.Add(TokenInvalidError, TokenMissingError)
}

// Retryable 只有依赖不可用是可重试的，其余业务错误都是终态
func Retryable(err error) bool {
	return Code(err) == DependencyUnavailableError
}

// Dependency 业务错误原样返回，其余（驱动/网络错误）统一归为 DependencyUnavailable
func Dependency(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	if _, ok := AsCodeError(err); ok {
		return err
	}
	kv = append(kv, "err", err.Error())
	return ErrDependencyUnavailable.WrapMsg(msg, kv...)
}
