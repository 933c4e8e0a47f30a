package observability

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/model"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger. An unknown level falls back
// to info.
//
// Level conventions:
//   - error: store or bus failures, panics, 5xx responses
//   - warn:  rejected transitions, exhausted deliveries, open breakers
//   - info:  transitions, config changes, background loop start/stop
//   - debug: rule matching decisions, claims, rendered payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build(zap.Fields(zap.String("service", "workorderd")))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller identity.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Namespace != "" {
		fields = append(fields, zap.String("namespace", rctx.Namespace))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// InstanceFields identifies a work order in log lines.
func InstanceFields(inst *model.WorkorderInstance) []zap.Field {
	return []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("process_id", inst.ProcessID),
		zap.String("step", inst.CurrentStep),
	}
}

// QueueItemFields identifies one delivery in log lines.
func QueueItemFields(item *model.QueueItem) []zap.Field {
	return []zap.Field{
		zap.String("queue_item_id", item.ID),
		zap.String("instance_id", item.InstanceID),
		zap.String("channel", string(item.Channel)),
		zap.String("recipient_id", item.RecipientID),
	}
}

// Keys whose values never reach a log line.
var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "authorization",
	"x-signature", "phone", "mobile",
}

// RedactBody copies body with sensitive keys, plus any in extra, masked as
// "[REDACTED]". Nested objects are walked.
func RedactBody(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if slices.Contains(sensitiveKeys, k) || slices.Contains(extra, k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = RedactBody(nested, extra...)
		}
		out[k] = v
	}
	return out
}
