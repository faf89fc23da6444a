// Package obscontext carries correlation identifiers through a request or
// job so loggers and spans can pick them up.
package obscontext

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type principalKey struct{}
type jobKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithPrincipal records the principal a request acts for.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, principalID)
}

func PrincipalFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(principalKey{}).(string)
	return value
}

// WithJob marks work started by a scheduler job run.
func WithJob(ctx context.Context, job, runID string) context.Context {
	return context.WithValue(ctx, jobKey{}, [2]string{strings.TrimSpace(job), strings.TrimSpace(runID)})
}

func JobFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, _ := ctx.Value(jobKey{}).([2]string)
	return value[0], value[1]
}
