package observability

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const ServiceName = "campaign-service"

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_service_requests_total",
			Help: "Total requests by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)
	RunsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_runs_started_total",
			Help: "Workflow runs created, by outcome of the start call.",
		},
		[]string{"outcome"},
	)
	RunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_runs_finished_total",
			Help: "Workflow runs reaching a terminal status.",
		},
		[]string{"status"},
	)
	NodeExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_node_executions_total",
			Help: "Executed workflow nodes by type and step status.",
		},
		[]string{"type", "status"},
	)
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_delivery_attempts_total",
			Help: "Outbound delivery attempts by channel and result.",
		},
		[]string{"channel", "result"},
	)
	AutomationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "social_automation_events_total",
			Help: "Inbound social events by trigger type and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RunsStarted, RunsFinished, NodeExecutions, DeliveryAttempts, AutomationEvents)
}

// Setup installs the otel meter and tracer providers. Traces are exported over
// OTLP/HTTP only when otlpEndpoint is set.
func Setup(ctx context.Context, otlpEndpoint string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer, err error) {
	promExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, nil, err
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", ServiceName)))
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []trace.TracerProviderOption{trace.WithResource(res)}
	if otlpEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, trace.WithBatcher(exp))
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	shutdown = func() {
		err := errors.Join(tp.Shutdown(context.Background()), meterProvider.Shutdown(context.Background()))
		if err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
	return shutdown, promhttp.Handler(), otel.Tracer(ServiceName), nil
}

// MetricsAndTracingMiddleware counts requests per chi route pattern and wraps
// each one in a span.
func MetricsAndTracingMiddleware(tracer oteltrace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			)
			next.ServeHTTP(rw, r.WithContext(ctx))

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			span.SetName(r.Method + " " + route)
			span.SetAttributes(attribute.Int("http.response.status_code", rw.status))
			span.End()
			RequestCounter.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
