package apiclient_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"roomlink/internal/apiclient"
	"roomlink/internal/auth"
	"roomlink/internal/credstore"
	"roomlink/internal/server/servertest"
)

type countingNotifier struct {
	expired   atomic.Int32
	redirects atomic.Int32
}

func (n *countingNotifier) SessionExpired(string) { n.expired.Add(1) }
func (n *countingNotifier) RedirectToSignIn()     { n.redirects.Add(1) }

func newClient(t *testing.T, srv *servertest.Server) (*apiclient.Client, *credstore.Store, *countingNotifier) {
	t.Helper()
	creds := credstore.NewMemory()
	n := &countingNotifier{}
	c, err := apiclient.New(apiclient.Config{
		BaseURL:         srv.APIBase(),
		WithCredentials: true,
		Timeout:         5 * time.Second,
	}, creds, n)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, creds, n
}

func TestEndToEnd_SignInRefreshLogout(t *testing.T) {
	srv := servertest.Start(t)
	c, creds, n := newClient(t, srv)
	ctx := context.Background()

	if _, err := c.Register(ctx, "alice", "secret-pw", "Alice"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	user, err := c.SignIn(ctx, "alice", "secret-pw")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.DisplayName != "Alice" || user.UserCode == "" {
		t.Errorf("SignIn() user = %+v, want display name and user code", user)
	}

	// 换成已过期的 access token，下一次请求应刷新后重放成功。
	expired, err := auth.GenerateAccessToken(user.ID, servertest.JWTSecret, -1)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if err := creds.SetAccessToken(expired); err != nil {
		t.Fatalf("SetAccessToken() error = %v", err)
	}
	me, err := c.Me(ctx)
	if err != nil {
		t.Fatalf("Me() with expired token error = %v", err)
	}
	if me.ID != user.ID {
		t.Errorf("Me().ID = %d, want %d", me.ID, user.ID)
	}
	if tok, _ := creds.AccessToken(); tok == expired {
		t.Error("access token not replaced after refresh")
	}

	// refresh cookie 已旋转，再次过期仍可刷新。
	_ = creds.SetAccessToken(expired)
	if _, err := c.Me(ctx); err != nil {
		t.Fatalf("Me() after rotation error = %v", err)
	}

	room, err := c.CreateRoom(ctx, "general")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	rooms, err := c.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() error = %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Errorf("ListRooms() = %+v, want [%+v]", rooms, room)
	}
	msgs, err := c.RoomMessages(ctx, room.ID, 10, 0)
	if err != nil {
		t.Fatalf("RoomMessages() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("RoomMessages() = %d messages, want 0", len(msgs))
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, ok := creds.AccessToken(); ok {
		t.Error("credentials kept after Logout()")
	}

	// 没有 token 也没有 cookie：刷新失败，提示一次。
	before := n.expired.Load()
	_, err = c.Me(ctx)
	if !errors.Is(err, apiclient.ErrRefreshExpired) {
		t.Fatalf("Me() after logout error = %v, want ErrRefreshExpired", err)
	}
	if got := n.expired.Load() - before; got != 1 {
		t.Errorf("session expired notices = %d, want 1", got)
	}
}

func TestEndToEnd_SignInInvalidCredentials(t *testing.T) {
	srv := servertest.Start(t)
	c, _, n := newClient(t, srv)

	_, err := c.SignIn(context.Background(), "nobody", "wrong")
	if !errors.Is(err, apiclient.ErrRejected) {
		t.Fatalf("SignIn() error = %v, want ErrRejected", err)
	}
	if apiclient.StatusCode(err) != 401 {
		t.Errorf("StatusCode() = %d, want 401", apiclient.StatusCode(err))
	}
	if n.expired.Load() != 0 {
		t.Error("sign-in failure raised a session expired notice")
	}
}

func TestEndToEnd_OAuthCallback(t *testing.T) {
	srv := servertest.Start(t)
	c, creds, _ := newClient(t, srv)
	ctx := context.Background()

	if _, err := c.Register(ctx, "bob", "secret-pw", ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// 模拟 OAuth 提供方签发的 token 对。
	var userID uint
	if err := srv.DB.Table("users").Select("id").Where("username = ?", "bob").Scan(&userID).Error; err != nil {
		t.Fatalf("lookup user: %v", err)
	}
	access, _ := auth.GenerateAccessToken(userID, servertest.JWTSecret, 15)
	refresh, _ := auth.GenerateRefreshToken()
	if err := auth.SaveRefreshToken(srv.DB, userID, refresh, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	user, err := c.AcceptOAuthCallback(ctx, "roomlink://oauth/callback?accessToken="+access+"&refreshToken="+refresh)
	if err != nil {
		t.Fatalf("AcceptOAuthCallback() error = %v", err)
	}
	if user.Username != "bob" || user.DisplayName != "bob" {
		t.Errorf("user = %+v, want bob", user)
	}
	if stored, ok := creds.User(); !ok || stored.ID != userID {
		t.Errorf("stored user = %+v, %v, want id %d", stored, ok, userID)
	}

	// cookie 已写入 jar，过期 token 可刷新。
	expired, _ := auth.GenerateAccessToken(userID, servertest.JWTSecret, -1)
	_ = creds.SetAccessToken(expired)
	if _, err := c.Me(ctx); err != nil {
		t.Errorf("Me() after OAuth refresh error = %v", err)
	}
}
