// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	root = zerolog.New(os.Stdout).With().Timestamp().Logger()
	mu   sync.RWMutex
)

// Init 初始化全局根 logger，所有日志都会带上 service 字段。
func Init(service, level string) {
	InitWithWriter(os.Stdout, service, level)
}

// InitWithWriter 与 Init 相同，但允许指定输出（测试时写入 buffer）。
func InitWithWriter(w io.Writer, service, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	root = zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
	mu.Unlock()
}

// Ctx 返回一个带有追踪信息的 logger。
// 如果 ctx 中存在有效的 span，日志会自动附带 trace_id 和 span_id，便于在 Jaeger 中关联。
func Ctx(ctx context.Context) *zerolog.Logger {
	mu.RLock()
	l := root
	mu.RUnlock()

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			l = l.With().
				Str("trace_id", sc.TraceID().String()).
				Str("span_id", sc.SpanID().String()).
				Logger()
		}
	}
	return &l
}

// L 返回不带上下文的根 logger，用于启动阶段。
func L() *zerolog.Logger {
	return Ctx(context.Background())
}
