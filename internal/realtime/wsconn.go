package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"roomlink/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WSDialer 基于 gorilla/websocket 建立连接，token 通过 Authorization 头传递。
type WSDialer struct {
	HandshakeTimeout time.Duration
	// Jar 可与请求管道共享，握手会带上其中的 cookie。
	Jar http.CookieJar
}

func (d WSDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Jar:              d.Jar,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Code: handshakeCode(resp), Err: err}
		}
		return nil, err
	}
	return newWSConn(c), nil
}

func handshakeCode(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	var body protocol.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1024)).Decode(&body); err != nil {
		return ""
	}
	return body.Error
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan protocol.Frame
	err     error

	events    chan Inbound
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:    c,
		waiters: make(map[string]chan protocol.Frame),
		events:  make(chan Inbound, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *wsConn) readLoop() {
	defer close(w.events)
	defer close(w.done)
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			if w.err == nil {
				w.err = err
			}
			w.mu.Unlock()
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Event == protocol.EventAck {
			w.mu.Lock()
			ch, ok := w.waiters[f.Ack]
			delete(w.waiters, f.Ack)
			w.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		select {
		case w.events <- Inbound{Event: f.Event, Data: f.Data}:
		case <-w.closing:
			return
		}
	}
}

func (w *wsConn) write(f protocol.Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(f)
}

func (w *wsConn) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	id := uuid.NewString()
	f, err := protocol.NewFrame(event, id, data)
	if err != nil {
		return nil, err
	}
	ch := make(chan protocol.Frame, 1)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.waiters, id)
		w.mu.Unlock()
	}()

	if err := w.write(f); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, &AckError{Event: event, Code: reply.Error}
		}
		return reply.Data, nil
	case <-w.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *wsConn) Emit(event string, data any) error {
	f, err := protocol.NewFrame(event, "", data)
	if err != nil {
		return err
	}
	return w.write(f)
}

func (w *wsConn) Events() <-chan Inbound { return w.events }

func (w *wsConn) Err() error {
	select {
	case <-w.done:
	default:
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		return ErrTransportClosed
	}
	return w.err
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closing)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
