package apiclient

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomlink/internal/credstore"
	"roomlink/internal/protocol"
)

type recordingNotifier struct {
	mu        sync.Mutex
	expired   []string
	redirects int
}

func (n *recordingNotifier) SessionExpired(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, reason)
}

func (n *recordingNotifier) RedirectToSignIn() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects++
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.expired), n.redirects
}

// fakeAPI 接受 "Bearer fresh"，其它 token 一律 401；refresh 接口检查 cookie。
type fakeAPI struct {
	refreshCalls  atomic.Int32
	protectedHits atomic.Int32
	// refreshStatus 非 0 时 refresh 接口返回该状态。
	refreshStatus int
	// rejectCode 覆盖受保护接口的 401 错误码。
	rejectCode string
	// alwaysReject 让受保护接口对任何 token 都返回 401。
	alwaysReject bool
	refreshDelay time.Duration
	refreshAuth  atomic.Value
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		f.refreshAuth.Store(r.Header.Get("Authorization"))
		if f.refreshDelay > 0 {
			time.Sleep(f.refreshDelay)
		}
		if f.refreshStatus != 0 {
			writeJSON(w, f.refreshStatus, `{"error":"invalid_refresh_token"}`)
			return
		}
		if ck, err := r.Cookie("refresh_token"); err != nil || ck.Value != "rt-1" {
			writeJSON(w, http.StatusUnauthorized, `{"error":"invalid_refresh_token"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"access_token":"fresh"}`)
	})
	mux.HandleFunc("/api/v1/things", func(w http.ResponseWriter, r *http.Request) {
		f.protectedHits.Add(1)
		if f.alwaysReject || r.Header.Get("Authorization") != "Bearer fresh" {
			code := f.rejectCode
			if code == "" {
				code = protocol.CodeAccessTokenExpired
			}
			writeJSON(w, http.StatusUnauthorized, `{"error":"`+code+`"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	})
	mux.HandleFunc("/api/v1/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("X-Authorization", r.Header.Get("Authorization"))
		w.Header().Set("X-Path", r.URL.EscapedPath())
		w.Header().Set("X-Query", r.URL.RawQuery)
		writeJSON(w, http.StatusOK, string(body))
	})
	mux.HandleFunc("/api/v1/broken", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"error":"boom"}`)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newTestClient(t *testing.T, api *fakeAPI, cfg Config) (*Client, *credstore.Store, *recordingNotifier) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/api/v1"
	cfg.WithCredentials = true
	creds := credstore.NewMemory()
	n := &recordingNotifier{}
	c, err := New(cfg, creds, n)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	u, _ := url.Parse(srv.URL + "/api/v1/auth/refresh")
	c.http.Jar.SetCookies(u, []*http.Cookie{{Name: "refresh_token", Value: "rt-1", Path: "/api/v1/auth", HttpOnly: true}})
	return c, creds, n
}

func TestSend_AttachesBearer(t *testing.T) {
	c, creds, _ := newTestClient(t, &fakeAPI{}, Config{})
	_ = creds.SignIn("fresh", credstore.User{ID: 1})

	resp, err := c.Send(context.Background(), Request{Path: "/echo"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := resp.Header.Get("X-Authorization"); got != "Bearer fresh" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer fresh")
	}
}

func TestSend_NoTokenNoHeader(t *testing.T) {
	c, _, _ := newTestClient(t, &fakeAPI{}, Config{})

	resp, err := c.Send(context.Background(), Request{Path: "/echo"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := resp.Header.Get("X-Authorization"); got != "" {
		t.Errorf("Authorization = %q, want empty", got)
	}
}

func TestSend_RefreshAndReplay(t *testing.T) {
	api := &fakeAPI{}
	c, creds, n := newTestClient(t, api, Config{})
	_ = creds.SignIn("stale", credstore.User{ID: 1})

	resp, err := c.Send(context.Background(), Request{Path: "/things"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := api.protectedHits.Load(); got != 2 {
		t.Errorf("protected hits = %d, want 2", got)
	}
	if tok, _ := creds.AccessToken(); tok != "fresh" {
		t.Errorf("AccessToken() = %q, want fresh", tok)
	}
	if auth, _ := api.refreshAuth.Load().(string); auth != "" {
		t.Errorf("refresh Authorization = %q, want none", auth)
	}
	if e, r := n.counts(); e != 0 || r != 0 {
		t.Errorf("notices = %d/%d, want none", e, r)
	}
}

func TestSend_ReplayRejectedIsNotRetriedAgain(t *testing.T) {
	api := &fakeAPI{alwaysReject: true}
	c, creds, n := newTestClient(t, api, Config{})
	_ = creds.SignIn("stale", credstore.User{ID: 1})

	_, err := c.Send(context.Background(), Request{Path: "/things"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Send() error = %v, want ErrAuthExpired", err)
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := api.protectedHits.Load(); got != 2 {
		t.Errorf("protected hits = %d, want 2", got)
	}
	if StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("StatusCode(err) = %d, want 401", StatusCode(err))
	}
	// 刷新本身成功，凭证保留
	if _, ok := creds.AccessToken(); !ok {
		t.Error("credentials cleared after successful refresh")
	}
	if e, r := n.counts(); e != 0 || r != 0 {
		t.Errorf("notices = %d/%d, want none", e, r)
	}
}

func TestSend_RefreshFailureClearsOnce(t *testing.T) {
	api := &fakeAPI{refreshStatus: http.StatusUnauthorized}
	c, creds, n := newTestClient(t, api, Config{})
	_ = creds.SignIn("stale", credstore.User{ID: 1})

	_, err := c.Send(context.Background(), Request{Path: "/things"})
	if !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("Send() error = %v, want ErrRefreshExpired", err)
	}
	if _, ok := creds.AccessToken(); ok {
		t.Error("AccessToken() ok = true after failed refresh, want cleared")
	}
	if _, ok := creds.User(); ok {
		t.Error("User() ok = true after failed refresh, want cleared")
	}
	if e, r := n.counts(); e != 1 || r != 1 {
		t.Errorf("notices = %d/%d, want 1/1", e, r)
	}
	if got := api.protectedHits.Load(); got != 1 {
		t.Errorf("protected hits = %d, want 1 (no replay)", got)
	}
}

func TestSend_RefreshExpiredCodeLogsOutImmediately(t *testing.T) {
	api := &fakeAPI{rejectCode: protocol.CodeRefreshTokenExpired}
	c, creds, n := newTestClient(t, api, Config{})
	_ = creds.SignIn("stale", credstore.User{ID: 1})

	_, err := c.Send(context.Background(), Request{Path: "/things"})
	if !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("Send() error = %v, want ErrRefreshExpired", err)
	}
	if got := api.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
	if _, ok := creds.AccessToken(); ok {
		t.Error("credentials not cleared")
	}
	if e, r := n.counts(); e != 1 || r != 1 {
		t.Errorf("notices = %d/%d, want 1/1", e, r)
	}
}

func TestSend_SkipRefresh(t *testing.T) {
	api := &fakeAPI{}
	c, _, _ := newTestClient(t, api, Config{})

	_, err := c.Send(context.Background(), Request{Path: "/things", SkipRefresh: true})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Send() error = %v, want ErrRejected", err)
	}
	if got := api.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
}

func TestSend_RejectedStatus(t *testing.T) {
	api := &fakeAPI{}
	c, _, _ := newTestClient(t, api, Config{})

	_, err := c.Send(context.Background(), Request{Path: "/broken"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Send() error = %v, want ErrRejected", err)
	}
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("error %T is not *RequestError", err)
	}
	if re.Status != http.StatusInternalServerError || re.Code != "boom" {
		t.Errorf("RequestError = %d/%q, want 500/boom", re.Status, re.Code)
	}
	if api.refreshCalls.Load() != 0 {
		t.Error("refresh attempted on non-401")
	}
}

func TestSend_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: base, Timeout: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = c.Send(context.Background(), Request{Path: "/things"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Send() error = %v, want ErrNetwork", err)
	}
}

func TestSend_ContentType(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		wantType  string
		wantField string
	}{
		{
			name:     "json default",
			req:      Request{Method: http.MethodPost, Path: "/echo", Body: map[string]string{"a": "b"}},
			wantType: "application/json",
		},
		{
			name: "preset text overwritten",
			req: Request{Method: http.MethodPost, Path: "/echo", Body: map[string]string{"a": "b"},
				Header: http.Header{"Content-Type": {"text/plain"}}},
			wantType: "application/json",
		},
		{
			name: "multipart body",
			req: Request{Method: http.MethodPost, Path: "/echo", Body: &Multipart{
				Fields: []Field{{Name: "title", Value: "hi"}},
				Files:  []File{{Field: "avatar", FileName: "a.png", Data: []byte{1, 2, 3}}},
			}},
			wantType:  "multipart/form-data",
			wantField: "title",
		},
		{
			name: "preset multipart",
			req: Request{Method: http.MethodPost, Path: "/echo", Body: map[string]string{"title": "hi"},
				Header: http.Header{"Content-Type": {"multipart/form-data"}}},
			wantType:  "multipart/form-data",
			wantField: "title",
		},
	}

	c, _, _ := newTestClient(t, &fakeAPI{}, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Send(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			mediaType, params, err := mime.ParseMediaType(resp.Header.Get("X-Content-Type"))
			if err != nil {
				t.Fatalf("ParseMediaType() error = %v", err)
			}
			if mediaType != tt.wantType {
				t.Errorf("content type = %q, want %q", mediaType, tt.wantType)
			}
			if tt.wantType == "multipart/form-data" {
				if params["boundary"] == "" {
					t.Error("multipart content type has no boundary")
				}
				if !strings.Contains(string(resp.Body), `name="`+tt.wantField+`"`) {
					t.Errorf("body does not contain field %q", tt.wantField)
				}
			}
		})
	}
}

func TestSend_PathWithQuery(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		wantQuery string
	}{
		{"query in path", Request{Path: "/echo?limit=5"}, "limit=5"},
		{"merged with Query", Request{Path: "/echo?limit=5", Query: url.Values{"before_id": {"9"}}}, "before_id=9&limit=5"},
		{"Query wins on conflict", Request{Path: "/echo?limit=5", Query: url.Values{"limit": {"10"}}}, "limit=10"},
		{"no query", Request{Path: "/echo"}, ""},
	}
	c, _, _ := newTestClient(t, &fakeAPI{}, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Send(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if got := resp.Header.Get("X-Path"); got != "/api/v1/echo" {
				t.Errorf("server path = %q, want /api/v1/echo", got)
			}
			if got := resp.Header.Get("X-Query"); got != tt.wantQuery {
				t.Errorf("server query = %q, want %q", got, tt.wantQuery)
			}
		})
	}
}

func TestSend_RejectsAbsolutePath(t *testing.T) {
	c, _, _ := newTestClient(t, &fakeAPI{}, Config{})
	if _, err := c.Send(context.Background(), Request{Path: "http://elsewhere.example/x"}); err == nil {
		t.Error("Send() error = nil, want error for absolute path")
	}
}

func TestSend_ResponseTooLarge(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/v1"}, nil, nil, WithMaxResponseBytes(16))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/echo", Body: strings.Repeat("x", 64)})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Send() error = %v, want ErrNetwork", err)
	}
	if _, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/echo", Body: "ok"}); err != nil {
		t.Errorf("Send() small body error = %v", err)
	}
}

func TestSend_MultipartRequiresFields(t *testing.T) {
	c, _, _ := newTestClient(t, &fakeAPI{}, Config{})
	_, err := c.Send(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/echo",
		Body:   []int{1, 2},
		Header: http.Header{"Content-Type": {"multipart/form-data"}},
	})
	if err == nil {
		t.Error("Send() error = nil, want encode error")
	}
}

func sendConcurrently(t *testing.T, c *Client, n int) []error {
	t.Helper()
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Send(context.Background(), Request{Path: "/things"})
		}(i)
	}
	wg.Wait()
	return errs
}

func TestSend_ConcurrentRefresh(t *testing.T) {
	const n = 4
	tests := []struct {
		name     string
		coalesce bool
		want     func(int32) bool
	}{
		{"independent", false, func(calls int32) bool { return calls == n }},
		{"coalesced", true, func(calls int32) bool { return calls >= 1 && calls < n }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{refreshDelay: 100 * time.Millisecond}
			c, creds, _ := newTestClient(t, api, Config{CoalesceRefresh: tt.coalesce})
			_ = creds.SignIn("stale", credstore.User{ID: 1})

			for i, err := range sendConcurrently(t, c, n) {
				if err != nil {
					t.Errorf("request %d error = %v", i, err)
				}
			}
			if got := api.refreshCalls.Load(); !tt.want(got) {
				t.Errorf("refresh calls = %d", got)
			}
		})
	}
}

func TestNew_RejectsRelativeBase(t *testing.T) {
	if _, err := New(Config{BaseURL: "/api/v1"}, nil, nil); err == nil {
		t.Error("New() error = nil, want error for relative base url")
	}
}
