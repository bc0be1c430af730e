package realtime

import (
	"errors"
	"fmt"

	"roomlink/internal/protocol"
)

var (
	ErrMissingCredential = errors.New("realtime: no access credential")
	ErrNotLive           = errors.New("realtime: session is not live")
	ErrAlreadyOpened     = errors.New("realtime: session already opened")
	ErrJoinRejected      = errors.New("realtime: join rejected")
	ErrTransportClosed   = errors.New("realtime: transport closed")
	ErrUnauthorized      = errors.New("realtime: handshake unauthorized")
)

// SessionError 表示使会话进入 Errored 的失败，Op 为失败的步骤。
type SessionError struct {
	Op    string
	State State
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("realtime: %s failed while %s: %v", e.Op, e.State, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// AckError 是服务端对某个请求返回的失败 ack。
type AckError struct {
	Event string
	Code  string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("realtime: %s rejected: %s", e.Event, e.Code)
}

func (e *AckError) Is(target error) bool {
	return target == ErrJoinRejected && e.Event == protocol.EventJoinRoom
}

// HandshakeError 是 websocket 握手被服务端以 HTTP 状态拒绝。
type HandshakeError struct {
	Status int
	Code   string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: handshake rejected with status %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("realtime: handshake rejected with status %d", e.Status)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == 401
}
