package util

import (
	"context"

	"github.com/google/uuid"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const traceIDKey contextKey = "traceID"

// NewTraceID 为一次规划或一次远程调用生成追踪 ID
func NewTraceID() string {
	return uuid.NewString()
}

// NewID 生成带前缀的短 ID，例如 plan-1a2b3c4d
func NewID(prefix string) string {
	id := uuid.NewString()[:8]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}
