// Package credstore 持有进程内唯一的访问凭证，由请求管道与实时会话共享。
// refresh token 不在这里：它作为 HTTP-only cookie 留在传输层的 cookie jar 中。
package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// User 是登录用户的摘要。
type User struct {
	ID          uint   `toml:"id" json:"id"`
	Username    string `toml:"username" json:"username"`
	UserCode    string `toml:"user_code" json:"user_code"`
	DisplayName string `toml:"display_name" json:"display_name"`
}

// persisted 是落盘格式。
type persisted struct {
	AccessToken string    `toml:"access_token"`
	UpdatedAt   time.Time `toml:"updated_at"`
	User        User      `toml:"user"`
}

// Store 并发安全；path 为空时不落盘。
type Store struct {
	mu      sync.RWMutex
	path    string
	token   string
	user    User
	hasUser bool
}

// NewMemory 返回不落盘的空 Store。
func NewMemory() *Store { return &Store{} }

// Open 从 path 恢复凭证，文件不存在时返回空 Store。
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	var p persisted
	_, err := toml.DecodeFile(path, &p)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.token = p.AccessToken
	s.user = p.User
	s.hasUser = p.User.ID != 0
	return s, nil
}

// AccessToken 返回当前 access token。
func (s *Store) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.hasUser
}

// SignIn 在登录或 OAuth 回调成功后整体替换凭证。
func (s *Store) SignIn(token string, user User) error {
	if token == "" {
		return errors.New("credstore: empty access token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.user = user
	s.hasUser = true
	return s.saveLocked()
}

// SetAccessToken 在刷新成功后替换 access token，用户信息保持不变。
func (s *Store) SetAccessToken(token string) error {
	if token == "" {
		return errors.New("credstore: empty access token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return s.saveLocked()
}

// Clear 在登出或刷新失败时清空全部凭证并删除持久化文件。
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.user = User{}
	s.hasUser = false
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(persisted{AccessToken: s.token, UpdatedAt: time.Now().UTC(), User: s.user})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
