// Package notice 定义会话失效时面向用户的提示与跳转。
package notice

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier 由请求管道和实时会话在凭证失效时调用。
type Notifier interface {
	SessionExpired(reason string)
	RedirectToSignIn()
}

// Console 把提示写到终端，供 CLI 使用。
type Console struct {
	mu        sync.Mutex
	w         io.Writer
	logger    zerolog.Logger
	signInCmd string
}

func NewConsole(w io.Writer, signInCmd string) *Console {
	return &Console{w: w, logger: log.Logger, signInCmd: signInCmd}
}

func (c *Console) SessionExpired(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Warn().Str("reason", reason).Msg("session expired")
	fmt.Fprintln(c.w, "Your session has expired. Please sign in again.")
}

func (c *Console) RedirectToSignIn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signInCmd == "" {
		return
	}
	fmt.Fprintf(c.w, "Run `%s` to sign in.\n", c.signInCmd)
}

// Discard 忽略所有提示。
type Discard struct{}

func (Discard) SessionExpired(string) {}
func (Discard) RedirectToSignIn()     {}
