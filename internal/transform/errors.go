// Package transform は変換ジョブAPIの受付・照会・取消・ダウンロードを提供します。
package transform

// Error はAPI境界で扱うエラーです。コードはHTTPステータスへの
// 変換とクライアント表示に使用します。
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}
