// Package apiclient 是带凭证的 REST 请求管道：自动附加 access token，
// 遇到 401 用 cookie 中的 refresh token 换新 token 后重放一次。
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"roomlink/internal/credstore"
	"roomlink/internal/metrics"
	"roomlink/internal/notice"
	"roomlink/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
)

// RefreshPath 是刷新接口相对 BaseURL 的路径。
const RefreshPath = "/auth/refresh"

// DefaultMaxResponseBytes 是单个响应体的读取上限。
const DefaultMaxResponseBytes = 8 << 20

type Config struct {
	BaseURL string
	// WithCredentials 为 true 时启用 cookie jar，refresh cookie 存放其中。
	WithCredentials bool
	Timeout         time.Duration
	// CoalesceRefresh 让并发的 401 共享同一次刷新。
	CoalesceRefresh bool
}

type Client struct {
	cfg      Config
	base     *url.URL
	http     *http.Client
	creds    *credstore.Store
	notifier notice.Notifier
	logger   zerolog.Logger
	group    singleflight.Group
	maxBody  int64
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxResponseBytes 修改响应体上限，超出时请求以 ErrNetwork 失败。
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithTransport 替换底层 RoundTripper，cookie jar 保持不变。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

func New(cfg Config, creds *credstore.Store, n notice.Notifier, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("apiclient: base url %q must be absolute", cfg.BaseURL)
	}
	if creds == nil {
		creds = credstore.NewMemory()
	}
	if n == nil {
		n = notice.Discard{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.WithCredentials {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}
	c := &Client{cfg: cfg, base: base, http: hc, creds: creds, notifier: n, logger: log.Logger, maxBody: DefaultMaxResponseBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Credentials 返回管道共享的凭证存储。
func (c *Client) Credentials() *credstore.Store { return c.creds }

// Send 发送请求并处理 401 刷新重放。非 2xx 响应以 *RequestError 返回。
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	desc, err := describe(req)
	if err != nil {
		return nil, err
	}
	p := &pendingRequest{desc: desc}
	resp, err := c.dispatch(ctx, p.desc, true)
	if err != nil {
		return nil, err
	}
	return c.intercept(ctx, p, resp)
}

func (c *Client) intercept(ctx context.Context, p *pendingRequest, resp *Response) (*Response, error) {
	for {
		if resp.OK() {
			return resp, nil
		}
		if resp.StatusCode != http.StatusUnauthorized || p.desc.skipRefresh {
			return nil, c.failure(ErrRejected, p.desc, resp, nil)
		}
		code := resp.errorCode()
		if code == protocol.CodeRefreshTokenExpired {
			metrics.ClientRefreshTotal.WithLabelValues("expired").Inc()
			c.expire(code)
			return nil, c.failure(ErrRefreshExpired, p.desc, resp, nil)
		}
		if p.retried {
			return nil, c.failure(ErrAuthExpired, p.desc, resp, nil)
		}
		p.retried = true

		c.logger.Debug().Str("path", p.desc.path).Str("code", code).Msg("access token rejected, refreshing")
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		metrics.ClientReplayTotal.Inc()
		replay, err := c.dispatch(ctx, p.desc, true)
		if err != nil {
			return nil, err
		}
		resp = replay
	}
}

func (c *Client) refresh(ctx context.Context) error {
	if !c.cfg.CoalesceRefresh {
		return c.exchange(ctx)
	}
	// 共享的刷新不随单个调用方取消。
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.exchange(context.WithoutCancel(ctx))
	})
	return err
}

// exchange 直接走底层发送，不经过 401 拦截，也不带 bearer 头。
// 失败时清空凭证并提示、跳转登录，每次 exchange 只发生一次。
func (c *Client) exchange(ctx context.Context) error {
	desc := requestDesc{method: http.MethodPost, path: RefreshPath, header: http.Header{}}
	resp, err := c.dispatch(ctx, desc, false)
	var token string
	if err == nil {
		token, err = c.refreshToken(desc, resp)
	}
	if err != nil {
		metrics.ClientRefreshTotal.WithLabelValues("failure").Inc()
		reason := "refresh_failed"
		var re *RequestError
		if errors.As(err, &re) && re.Code != "" {
			reason = re.Code
		}
		c.logger.Warn().Err(err).Msg("token refresh failed")
		c.expire(reason)
		return &RequestError{Kind: ErrRefreshExpired, Method: desc.method, Path: desc.path, Err: err}
	}
	if err := c.creds.SetAccessToken(token); err != nil {
		c.logger.Warn().Err(err).Msg("persist refreshed token")
	}
	metrics.ClientRefreshTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Client) refreshToken(desc requestDesc, resp *Response) (string, error) {
	if !resp.OK() {
		return "", c.failure(ErrRejected, desc, resp, nil)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("refresh response carries no access token")
	}
	return body.AccessToken, nil
}

// expire 清空凭证、提示会话过期并跳转登录。
func (c *Client) expire(reason string) {
	if err := c.creds.Clear(); err != nil {
		c.logger.Error().Err(err).Msg("clear credentials")
	}
	c.notifier.SessionExpired(reason)
	c.notifier.RedirectToSignIn()
}

func (c *Client) failure(kind error, desc requestDesc, resp *Response, cause error) *RequestError {
	e := &RequestError{Kind: kind, Method: desc.method, Path: desc.path, Err: cause}
	if resp != nil {
		e.Status = resp.StatusCode
		e.Code = resp.errorCode()
		e.Response = resp
	}
	return e
}

// dispatch 是不带拦截的底层发送。
func (c *Client) dispatch(ctx context.Context, desc requestDesc, withAuth bool) (*Response, error) {
	u := c.base.JoinPath(desc.path)
	if len(desc.query) > 0 {
		u.RawQuery = desc.query.Encode()
	}
	var body io.Reader = http.NoBody
	if desc.body != nil {
		body = bytes.NewReader(desc.body)
	}
	req, err := http.NewRequestWithContext(ctx, desc.method, u.String(), body)
	if err != nil {
		return nil, c.failure(ErrNetwork, desc, nil, err)
	}
	for k, vs := range desc.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", jsonContentType)
	if desc.contentType != "" {
		req.Header.Set("Content-Type", desc.contentType)
	}
	req.Header.Del("Authorization")
	if withAuth {
		if token, ok := c.creds.AccessToken(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", desc.method).Str("path", desc.path).Msg("request failed")
		return nil, c.failure(ErrNetwork, desc, nil, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return nil, c.failure(ErrNetwork, desc, nil, err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, c.failure(ErrNetwork, desc, nil, fmt.Errorf("response body exceeds %d bytes", c.maxBody))
	}
	c.logger.Debug().
		Str("method", desc.method).
		Str("path", desc.path).
		Int("status", res.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data}, nil
}
