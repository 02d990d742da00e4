package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/bookshelf/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Gin keys set by handlers once the purchase or item under work is known.
var storefrontKeys = []string{"item_id", "order_id"}

// GinMiddleware opens a server span per request. Business rejections on the purchase
// path (402, 409, 422) become span events, only 5xx marks the span as failed.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("bookshelf/http")
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withRequestBaggage(ctx, obscontext.RequestIDFromContext(ctx))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("request_id", obscontext.RequestIDFromContext(ctx)),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{attribute.Int("http.status_code", status)}
		for _, key := range storefrontKeys {
			if value := strings.TrimSpace(c.GetString(key)); value != "" {
				attrs = append(attrs, attribute.String("storefront."+key, value))
			}
		}
		if role := obscontext.RoleFromContext(c.Request.Context()); role != "" {
			attrs = append(attrs, attribute.String("enduser.role", role))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		lastErr := c.Errors.Last()
		switch {
		case status >= http.StatusInternalServerError:
			if lastErr != nil {
				span.RecordError(SafeError(lastErr.Err))
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		case isPurchaseRejection(status) && lastErr != nil:
			span.AddEvent("purchase.rejected", trace.WithAttributes(
				attribute.String("reason", SafeError(lastErr.Err).Error()),
			))
		}
	}
}

func isPurchaseRejection(status int) bool {
	switch status {
	case http.StatusPaymentRequired, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

func withRequestBaggage(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
