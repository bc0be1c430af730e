package realtime

import (
	"context"
	"encoding/json"
)

// Inbound 是服务端主动推送的事件。
type Inbound struct {
	Event string
	Data  json.RawMessage
}

// Conn 是一条已建立的实时连接。
type Conn interface {
	// Request 发送带 ack id 的事件并等待服务端应答，返回 ack 的 data。
	Request(ctx context.Context, event string, data any) (json.RawMessage, error)
	// Emit 发送不等待应答的事件。
	Emit(event string, data any) error
	// Events 在连接结束时关闭。
	Events() <-chan Inbound
	// Err 返回连接结束的原因，连接仍存活时为 nil。
	Err() error
	Close() error
}

// Dialer 用 access token 建立连接。
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// DialerFunc 让普通函数实现 Dialer。
type DialerFunc func(ctx context.Context, url, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url, token string) (Conn, error) {
	return f(ctx, url, token)
}
