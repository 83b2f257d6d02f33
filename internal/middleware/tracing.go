package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kenneth/sealdrop/internal/middleware"

// TracingMiddleware wraps handlers in a server span. Incoming W3C trace
// context is continued when present.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeTemplate(r)
			if route == "" {
				route = r.URL.Path
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", ClientIP(r)),
				),
			)
			defer span.End()

			if r.URL.RawQuery != "" {
				query := r.URL.RawQuery
				if redactSensitive {
					query = "[REDACTED]"
				}
				span.SetAttributes(attribute.String("http.query", query))
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := newStatusRecorder(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"x-request-id",
	}
	sensitiveHeaders = []string{
		"authorization",
		"cookie",
		"x-forwarded-for",
		"x-real-ip",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}
