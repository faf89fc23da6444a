package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// blockedKeys never leave the process on a span.
var blockedKeys = map[attribute.Key]struct{}{
	"payment_method_ref": {},
	"signature":          {},
	"authorization":      {},
	"secret":             {},
}

// ExtractContext restores the remote span context carried by the request.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes that may carry credentials.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedKeys[attribute.Key(strings.ToLower(string(attr.Key)))]; blocked {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

// SafeError strips the message of errors that echo signing material.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "whsec_") || strings.Contains(msg, "secret") {
		return errors.New("redacted error")
	}
	return err
}
