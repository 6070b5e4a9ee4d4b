package models

import (
	"context"
)

type requestMetaKey struct{}

// RequestMeta carries caller details through context so the gateway can
// write them to the audit log without widening its signature.
type RequestMeta struct {
	IpAddress   string
	UserAgent   string
	RequestData string
}

// WithRequestMeta attaches request metadata to a context.
func WithRequestMeta(ctx context.Context, meta *RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// GetRequestMeta retrieves request metadata from context, or nil if absent.
func GetRequestMeta(ctx context.Context) *RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(*RequestMeta)
	return meta
}
