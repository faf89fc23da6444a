package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creatorpay/internal/observability/context"
	obslogger "github.com/smallbiznis/creatorpay/internal/observability/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens one server span per request. Probes are not traced.
// Domain identifiers the handlers resolve (principal, withdrawal, transfer
// kind, webhook event) land on the span after the handler returns.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("creatorpay/http")
	return func(c *gin.Context) {
		if isProbePath(c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withBaggage(ctx, "request_id", requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if principalID := obscontext.PrincipalFromContext(c.Request.Context()); principalID != "" {
			attrs = append(attrs, attribute.String("creatorpay.principal_id", principalID))
		}
		if withdrawalID := strings.TrimSpace(c.Param("withdrawal_id")); withdrawalID != "" {
			attrs = append(attrs, attribute.String("creatorpay.withdrawal_id", withdrawalID))
		}
		for _, key := range []string{obslogger.KeyTransferKind, obslogger.KeyWebhookEventID, obslogger.KeyWebhookStatus} {
			if value := strings.TrimSpace(c.GetString(key)); value != "" {
				attrs = append(attrs, attribute.String("creatorpay."+key, value))
			}
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		lastErr := c.Errors.Last()
		switch {
		case status >= http.StatusInternalServerError:
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		case status >= http.StatusBadRequest && lastErr != nil:
			// rejections are expected outcomes, not span errors
			span.AddEvent("request rejected", trace.WithAttributes(
				attribute.String("creatorpay.rejection", rejectionCode(lastErr.Err)),
			))
		}
	}
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

func rejectionCode(err error) string {
	if safeErr := SafeError(err); safeErr != nil {
		return safeErr.Error()
	}
	return ""
}

func isProbePath(path string) bool {
	return path == "/health" || path == "/metrics"
}
