package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"roomlink/internal/credstore"
)

type signInResponse struct {
	AccessToken string         `json:"access_token"`
	User        credstore.User `json:"user"`
}

// SignIn 用户名密码登录：access token 与用户写入凭证存储，refresh cookie 进入 jar。
func (c *Client) SignIn(ctx context.Context, username, password string) (credstore.User, error) {
	resp, err := c.Send(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/auth/signin",
		Body:        map[string]string{"username": username, "password": password},
		SkipRefresh: true,
	})
	if err != nil {
		return credstore.User{}, err
	}
	var out signInResponse
	if err := resp.Decode(&out); err != nil {
		return credstore.User{}, fmt.Errorf("decode signin response: %w", err)
	}
	if out.AccessToken == "" {
		return credstore.User{}, errors.New("signin response carries no access token")
	}
	if err := c.creds.SignIn(out.AccessToken, out.User); err != nil {
		return credstore.User{}, err
	}
	c.logger.Info().Uint("user_id", out.User.ID).Msg("signed in")
	return out.User, nil
}

// Register 注册新账号，不登录。
func (c *Client) Register(ctx context.Context, username, password, displayName string) (credstore.User, error) {
	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   "/auth/register",
		Body: map[string]string{
			"username":     username,
			"password":     password,
			"display_name": displayName,
		},
		SkipRefresh: true,
	})
	if err != nil {
		return credstore.User{}, err
	}
	var u credstore.User
	if err := resp.Decode(&u); err != nil {
		return credstore.User{}, fmt.Errorf("decode register response: %w", err)
	}
	return u, nil
}

// AcceptOAuthCallback 处理 OAuth 回调地址：把 token 对交给服务端写 cookie，
// 再拉取当前用户并保存凭证。
func (c *Client) AcceptOAuthCallback(ctx context.Context, callbackURL string) (credstore.User, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return credstore.User{}, fmt.Errorf("parse callback url: %w", err)
	}
	q := u.Query()
	access, refresh := q.Get("accessToken"), q.Get("refreshToken")
	if access == "" || refresh == "" {
		return credstore.User{}, errors.New("callback url carries no token pair")
	}
	_, err = c.Send(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/auth/set-cookies",
		Body:        map[string]string{"access_token": access, "refresh_token": refresh},
		SkipRefresh: true,
	})
	if err != nil {
		return credstore.User{}, err
	}
	if err := c.creds.SetAccessToken(access); err != nil {
		return credstore.User{}, err
	}
	user, err := c.Me(ctx)
	if err != nil {
		return credstore.User{}, err
	}
	token, ok := c.creds.AccessToken()
	if !ok {
		return credstore.User{}, ErrAuthExpired
	}
	if err := c.creds.SignIn(token, user); err != nil {
		return credstore.User{}, err
	}
	return user, nil
}

// Logout 吊销服务端 refresh token；无论服务端是否成功都清空本地凭证并跳转登录。
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Send(ctx, Request{Method: http.MethodPost, Path: "/auth/logout", SkipRefresh: true})
	if err != nil {
		c.logger.Warn().Err(err).Msg("logout request")
	}
	if cerr := c.creds.Clear(); cerr != nil {
		return cerr
	}
	c.notifier.RedirectToSignIn()
	return err
}

// Me 返回当前登录用户。
func (c *Client) Me(ctx context.Context) (credstore.User, error) {
	resp, err := c.Send(ctx, Request{Method: http.MethodGet, Path: "/users/me"})
	if err != nil {
		return credstore.User{}, err
	}
	var u credstore.User
	if err := resp.Decode(&u); err != nil {
		return credstore.User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}
