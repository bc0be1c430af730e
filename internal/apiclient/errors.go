package apiclient

import (
	"errors"
	"fmt"
)

// 错误分类，调用方用 errors.Is 判断。
var (
	ErrNetwork        = errors.New("apiclient: network failure")
	ErrAuthExpired    = errors.New("apiclient: access credential rejected")
	ErrRefreshExpired = errors.New("apiclient: refresh credential expired")
	ErrRejected       = errors.New("apiclient: rejected by server")
)

// RequestError 描述一次失败的请求。Response 在收到响应时非空，Code 是响应体中的错误码。
type RequestError struct {
	Kind     error
	Method   string
	Path     string
	Status   int
	Code     string
	Response *Response
	Err      error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d", e.Status)
		if e.Code != "" {
			msg += ", " + e.Code
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusCode 返回 err 链上第一个 RequestError 的 HTTP 状态码，没有则为 0。
func StatusCode(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}
