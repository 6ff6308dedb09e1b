package middleware

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mk6i/open-oicq-client/config"
	"github.com/mk6i/open-oicq-client/wire"
)

// LevelTrace sits below slog.LevelDebug and adds payload dumps to request
// logs.
const LevelTrace = slog.Level(-8)

// NewLogger creates a text logger writing to stdout at the level named by
// cfg.LogLevel.
func NewLogger(cfg config.Config) *slog.Logger {
	return newLogger(os.Stdout, cfg.LogLevel)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values select
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func frameAttrs(frame wire.Frame) []slog.Attr {
	return []slog.Attr{
		slog.String("cmd", frame.Command),
		slog.Int("seq", int(frame.Sequence)),
		slog.String("pack_way", frame.PackWay.String()),
	}
}

// LogRequest logs an outbound frame at debug level, with the payload at
// trace level.
func LogRequest(ctx context.Context, logger *slog.Logger, frame wire.Frame) {
	attrs := frameAttrs(frame)
	if logger.Enabled(ctx, LevelTrace) {
		attrs = append(attrs, slog.String("payload", hex.EncodeToString(frame.Payload)))
		logger.LogAttrs(ctx, LevelTrace, "client request", attrs...)
		return
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "client request", attrs...)
}

// LogRequestError logs a request that did not complete.
func LogRequestError(ctx context.Context, logger *slog.Logger, frame wire.Frame, err error) {
	attrs := append(frameAttrs(frame), slog.String("err", err.Error()))
	logger.LogAttrs(ctx, slog.LevelError, "client request error", attrs...)
}

// RouteLogger logs completed request/response cycles.
type RouteLogger struct {
	Logger *slog.Logger
}

// LogRequestAndResponse logs a request and the payload that answered it.
func (rt RouteLogger) LogRequestAndResponse(ctx context.Context, req wire.Frame, resp []byte, elapsed time.Duration) {
	attrs := append(frameAttrs(req),
		slog.Int("resp_len", len(resp)),
		slog.Duration("elapsed", elapsed),
	)
	if rt.Logger.Enabled(ctx, LevelTrace) {
		attrs = append(attrs,
			slog.String("req_payload", hex.EncodeToString(req.Payload)),
			slog.String("resp_payload", hex.EncodeToString(resp)),
		)
		rt.Logger.LogAttrs(ctx, LevelTrace, "client request", attrs...)
		return
	}
	rt.Logger.LogAttrs(ctx, slog.LevelDebug, "client request", attrs...)
}
