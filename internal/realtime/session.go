// Package realtime 管理单个聊天房间的实时会话：连接、入房、拉取历史、
// 收发消息和离开。所有状态变化都在一个事件循环 goroutine 中完成。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"roomlink/internal/credstore"
	"roomlink/internal/metrics"
	"roomlink/internal/notice"
	"roomlink/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL          string
	RoomID       uint
	HistoryLimit int
	// AckTimeout 限制单个请求等待 ack 的时间。
	AckTimeout  time.Duration
	DialTimeout time.Duration
}

// Observer 的回调都在会话的事件循环中执行，回调内不能同步调用
// Close、SendMessage 或 Rehydrate。未设置的回调被忽略。
type Observer struct {
	OnStateChange       func(from, to State)
	OnOnline            func(online bool)
	OnHistory           func(history []protocol.ChatMessage)
	OnMessage           func(msg protocol.ChatMessage)
	OnParticipantJoined func(p protocol.Presence)
	OnParticipantLeft   func(p protocol.Presence)
	OnError             func(err *SessionError)
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithNotifier(n notice.Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

type eventKind int

const (
	evOpen eventKind = iota
	evDialed
	evJoinAck
	evHistory
	evInbound
	evDropped
	evSend
	evRehydrate
	evClose
)

type event struct {
	kind  eventKind
	conn  Conn
	data  json.RawMessage
	in    Inbound
	body  string
	err   error
	reply chan error
}

// Session 是一次入房会话，不可复用：进入 Closed 或 Errored 后需新建。
type Session struct {
	cfg      Config
	creds    *credstore.Store
	dialer   Dialer
	obs      Observer
	notifier notice.Notifier
	logger   zerolog.Logger

	events   chan event
	done     chan struct{}
	loopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	mu          sync.RWMutex
	state       State
	history     []protocol.ChatMessage
	activeUsers int
	online      bool
	err         error

	// 以下字段只在事件循环中访问。
	conn      Conn
	joined    bool
	fetching  bool
	pending   []protocol.ChatMessage
	seen      map[uint]struct{}
	rehydrate chan error
}

func NewSession(cfg Config, creds *credstore.Store, dialer Dialer, obs Observer, opts ...Option) *Session {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = protocol.DefaultHistoryLimit
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		creds:    creds,
		dialer:   dialer,
		obs:      obs,
		notifier: notice.Discard{},
		logger:   log.Logger,
		events:   make(chan event),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    Idle,
		seen:     make(map[uint]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Uint("room_id", cfg.RoomID).Logger()
	return s
}

// Open 开始连接。连接、入房和拉取历史异步推进，进度通过 Observer 通知。
// 没有 access token 时会话直接进入 Errored 并返回该错误。
func (s *Session) Open(ctx context.Context) error {
	return s.call(ctx, event{kind: evOpen}, ErrNotLive)
}

// SendMessage 只在 Live 状态下发送，其余状态返回 ErrNotLive 且不触碰连接。
func (s *Session) SendMessage(ctx context.Context, body string) error {
	return s.call(ctx, event{kind: evSend, body: body}, ErrNotLive)
}

// Rehydrate 在 Live 状态下重新拉取历史并替换，等待拉取完成。
func (s *Session) Rehydrate(ctx context.Context) error {
	return s.call(ctx, event{kind: evRehydrate}, ErrNotLive)
}

// Close 幂等；Joining 之后会先发送 leave-room，随后关闭连接。
func (s *Session) Close() {
	s.ensureLoop()
	select {
	case s.events <- event{kind: evClose}:
		<-s.done
	case <-s.done:
	}
}

// Done 在会话进入终态后关闭。
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History 返回按发送时间排序的消息副本。
func (s *Session) History() []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

func (s *Session) ActiveUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeUsers
}

func (s *Session) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Err 返回使会话进入 Errored 的错误。
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) ensureLoop() {
	s.loopOnce.Do(func() { go s.run() })
}

// call 把带应答的事件投递给事件循环；循环已结束时返回 closedErr。
func (s *Session) call(ctx context.Context, ev event, closedErr error) error {
	s.ensureLoop()
	ev.reply = make(chan error, 1)
	select {
	case s.events <- ev:
	case <-s.done:
		if ev.kind == evOpen {
			return ErrAlreadyOpened
		}
		return closedErr
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post 由后台 goroutine 调用；循环已结束时返回 false。
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()
	for ev := range s.events {
		s.dispatch(ev)
		if s.State().Terminal() {
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	state := s.State()
	switch ev.kind {
	case evOpen:
		ev.reply <- s.open(state)
	case evDialed:
		s.onDialed(state, ev.conn, ev.err)
	case evJoinAck:
		s.onJoinAck(state, ev.data, ev.err)
	case evHistory:
		s.onHistory(state, ev.data, ev.err)
	case evInbound:
		s.onInbound(state, ev.in)
	case evDropped:
		if state != Idle {
			s.fail("transport", ev.err)
		}
	case evSend:
		ev.reply <- s.send(state, ev.body)
	case evRehydrate:
		if state != Live {
			ev.reply <- ErrNotLive
			return
		}
		if s.rehydrate != nil {
			ev.reply <- errors.New("realtime: rehydrate already in progress")
			return
		}
		s.rehydrate = ev.reply
		s.fetchHistory()
	case evClose:
		s.close(state)
	}
}

func (s *Session) open(state State) error {
	if state != Idle {
		return ErrAlreadyOpened
	}
	token, ok := s.creds.AccessToken()
	if !ok {
		s.fail("open", ErrMissingCredential)
		return s.Err()
	}
	s.transition(Connecting)
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		conn, err := s.dialer.Dial(ctx, s.cfg.URL, token)
		if !s.post(event{kind: evDialed, conn: conn, err: err}) && conn != nil {
			// 会话已结束，丢弃迟到的连接。
			_ = conn.Close()
		}
	}()
	return nil
}

func (s *Session) onDialed(state State, conn Conn, err error) {
	if state != Connecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.notifier.SessionExpired("realtime_unauthorized")
			s.notifier.RedirectToSignIn()
		}
		s.fail("connect", err)
		return
	}
	s.conn = conn
	go s.forward(conn)
	s.setOnline(true)
	s.transition(Joining)
	s.joined = true
	s.request(evJoinAck, protocol.EventJoinRoom, protocol.RoomRef{RoomID: s.cfg.RoomID})
}

// forward 把连接上的推送事件转入事件循环，连接结束时投递 evDropped。
func (s *Session) forward(conn Conn) {
	for in := range conn.Events() {
		if !s.post(event{kind: evInbound, in: in}) {
			return
		}
	}
	err := conn.Err()
	if err == nil {
		err = ErrTransportClosed
	}
	s.post(event{kind: evDropped, err: err})
}

func (s *Session) request(kind eventKind, name string, data any) {
	conn := s.conn
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AckTimeout)
		defer cancel()
		raw, err := conn.Request(ctx, name, data)
		s.post(event{kind: kind, data: raw, err: err})
	}()
}

func (s *Session) onJoinAck(state State, data json.RawMessage, err error) {
	if state != Joining {
		return
	}
	if err != nil {
		s.fail("join", err)
		return
	}
	var ack protocol.JoinAck
	if err := json.Unmarshal(data, &ack); err != nil {
		s.fail("join", err)
		return
	}
	if !ack.Success {
		s.fail("join", ErrJoinRejected)
		return
	}
	s.mu.Lock()
	s.activeUsers = ack.ActiveUsers
	s.mu.Unlock()
	s.transition(Hydrating)
	s.fetchHistory()
}

func (s *Session) fetchHistory() {
	s.fetching = true
	s.pending = nil
	s.request(evHistory, protocol.EventGetHistory, protocol.HistoryRequest{RoomID: s.cfg.RoomID, Limit: s.cfg.HistoryLimit})
}

func (s *Session) onHistory(state State, data json.RawMessage, err error) {
	if state != Hydrating && state != Live {
		return
	}
	reply := s.rehydrate
	s.rehydrate = nil
	s.fetching = false

	var ack protocol.HistoryAck
	if err == nil {
		err = json.Unmarshal(data, &ack)
	}
	if err == nil && !ack.Success {
		err = &AckError{Event: protocol.EventGetHistory, Code: "unsuccessful"}
	}
	if err != nil {
		s.pending = nil
		if state == Hydrating {
			s.fail("history", err)
			return
		}
		s.logger.Warn().Err(err).Msg("rehydrate failed")
		if reply != nil {
			reply <- err
		}
		return
	}

	history := slices.Clone(ack.Messages)
	sort.SliceStable(history, func(i, j int) bool { return history[i].SentAt.Before(history[j].SentAt) })
	seen := make(map[uint]struct{}, len(history))
	for _, m := range history {
		seen[m.ID] = struct{}{}
	}
	// 拉取期间收到的消息按到达顺序补在后面。
	for _, m := range s.pending {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		history = append(history, m)
	}
	s.pending = nil
	s.seen = seen

	s.mu.Lock()
	s.history = history
	s.mu.Unlock()
	if s.obs.OnHistory != nil {
		s.obs.OnHistory(slices.Clone(history))
	}
	if state == Hydrating {
		s.transition(Live)
	}
	if reply != nil {
		reply <- nil
	}
}

func (s *Session) onInbound(state State, in Inbound) {
	switch in.Event {
	case protocol.EventMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(in.Data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("decode message")
			return
		}
		if s.fetching {
			s.pending = append(s.pending, msg)
		}
		if state != Live {
			return
		}
		if _, dup := s.seen[msg.ID]; dup {
			return
		}
		s.seen[msg.ID] = struct{}{}
		s.mu.Lock()
		s.history = append(s.history, msg)
		s.mu.Unlock()
		if s.obs.OnMessage != nil {
			s.obs.OnMessage(msg)
		}
	case protocol.EventParticipantJoined, protocol.EventParticipantLeft:
		if state != Joining && state != Hydrating && state != Live {
			return
		}
		var p protocol.Presence
		if err := json.Unmarshal(in.Data, &p); err != nil {
			s.logger.Warn().Err(err).Str("event", in.Event).Msg("decode presence")
			return
		}
		s.mu.Lock()
		s.activeUsers = p.ActiveUsers
		s.mu.Unlock()
		if state != Live {
			return
		}
		if in.Event == protocol.EventParticipantJoined && s.obs.OnParticipantJoined != nil {
			s.obs.OnParticipantJoined(p)
		}
		if in.Event == protocol.EventParticipantLeft && s.obs.OnParticipantLeft != nil {
			s.obs.OnParticipantLeft(p)
		}
	default:
		s.logger.Debug().Str("event", in.Event).Msg("ignoring event")
	}
}

func (s *Session) send(state State, body string) error {
	if state != Live {
		s.logger.Warn().Str("state", string(state)).Msg("send while not live")
		return ErrNotLive
	}
	return s.conn.Emit(protocol.EventSendMessage, protocol.SendMessage{RoomID: s.cfg.RoomID, Body: body})
}

func (s *Session) close(state State) {
	if state.Terminal() {
		return
	}
	if s.conn != nil {
		if s.joined {
			if err := s.conn.Emit(protocol.EventLeaveRoom, protocol.RoomRef{RoomID: s.cfg.RoomID}); err != nil {
				s.logger.Debug().Err(err).Msg("leave room")
			}
		}
		_ = s.conn.Close()
	}
	s.cancel()
	s.setOnline(false)
	s.finishRehydrate(ErrNotLive)
	s.transition(Closed)
}

// fail 使会话进入 Errored，释放连接并通知观察者。
func (s *Session) fail(op string, err error) {
	se := &SessionError{Op: op, State: s.State(), Err: err}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.cancel()
	s.mu.Lock()
	s.err = se
	s.mu.Unlock()
	s.logger.Error().Err(err).Str("op", op).Msg("realtime session failed")
	s.markOffline()
	s.finishRehydrate(se)
	s.transition(Errored)
	if s.obs.OnError != nil {
		s.obs.OnError(se)
	}
}

func (s *Session) finishRehydrate(err error) {
	if s.rehydrate != nil {
		s.rehydrate <- err
		s.rehydrate = nil
	}
}

// markOffline 总是通知 OnOnline(false)，连接从未建立的失败也一样。
func (s *Session) markOffline() {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
	if s.obs.OnOnline != nil {
		s.obs.OnOnline(false)
	}
}

func (s *Session) setOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed && s.obs.OnOnline != nil {
		s.obs.OnOnline(online)
	}
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("state transition")
		return
	}
	s.state = to
	s.mu.Unlock()

	metrics.RealtimeTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Debug().Str("from", string(from)).Str("state", string(to)).Msg("session state")
	if s.obs.OnStateChange != nil {
		s.obs.OnStateChange(from, to)
	}
}
