// Package log 配置全局 zerolog logger。
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 把全局 logger 指向 stdout，dev 环境使用可读的控制台格式。
func Init(env, level string) {
	InitTo(os.Stdout, env, level)
}

// InitTo 把全局 logger 指向 w。chatctl 写 stderr，stdout 留给聊天输出。
func InitTo(w io.Writer, env, level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(level))
	if env == "dev" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// ParseLevel 解析 LOG_LEVEL，无法识别时按 info 处理。
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
