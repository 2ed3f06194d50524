package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultServiceName = "gateway"
	defaultTracerName  = "gateway"
)

// globaltp 全局只初始化一次的 TracerProvider
var globaltp = &struct {
	provider trace.TracerProvider
	initOnce sync.Once
}{}

func init() {
	middleware.Register("tracing", Middleware)
}

// Options 链路追踪选项
type Options struct {
	// HTTPEndpoint OTLP HTTP 接收端地址，为空时不导出
	HTTPEndpoint string `json:"http_endpoint,omitempty"`
	// Insecure 不使用 TLS
	Insecure bool `json:"insecure,omitempty"`
	// SampleRatio 采样率，为空时全部采样
	SampleRatio *float64 `json:"sample_ratio,omitempty"`
	// Timeout 导出超时时间
	Timeout config.Duration `json:"timeout,omitempty"`
}

// Middleware 为每个请求创建一个客户端 span，并将追踪上下文注入到发往上游的请求头中
func Middleware(c *config.Middleware) (middleware.Filter, error) {
	options := &Options{}
	if err := middleware.DecodeOptions(c, options); err != nil {
		return nil, err
	}
	globaltp.initOnce.Do(func() {
		provider, err := newTracerProvider(context.Background(), options)
		if err != nil {
			log.Errorf("creating OTLP trace exporter: %v", err)
			return
		}
		globaltp.provider = provider
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.Baggage{}, propagation.TraceContext{}))
	})
	tracer := otel.Tracer(defaultTracerName)
	return middleware.FilterFunc(func(ex *middleware.Exchange, chain middleware.Chain) (reply *http.Response, err error) {
		req := ex.Request
		ctx, span := tracer.Start(
			req.Context(),
			fmt.Sprintf("%s %s", req.Method, req.URL.Path),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		span.SetAttributes(
			semconv.HTTPMethodKey.String(req.Method),
			semconv.HTTPTargetKey.String(req.URL.Path),
			semconv.NetPeerIPKey.String(req.RemoteAddr),
			attribute.String("gateway.route", ex.Route.ID),
		)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
		ex.Request = req.WithContext(ctx)
		defer func() {
			span.SetAttributes(attribute.Bool("gateway.self_forwarded", ex.SelfForwarded()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			if reply != nil {
				span.SetAttributes(semconv.HTTPStatusCodeKey.Int(reply.StatusCode))
			}
			span.End()
		}()
		return chain.Filter(ex)
	}), nil
}

func newTracerProvider(ctx context.Context, options *Options) (*sdktrace.TracerProvider, error) {
	timeout := defaultTimeout
	serviceName := defaultServiceName
	if appInfo, ok := kratos.FromContext(ctx); ok {
		serviceName = appInfo.Name()
	}
	if options.Timeout > 0 {
		timeout = options.Timeout.AsDuration()
	}
	sampler := sdktrace.AlwaysSample()
	if options.SampleRatio != nil {
		sampler = sdktrace.TraceIDRatioBased(*options.SampleRatio)
	}
	tpOptions := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	}
	if options.HTTPEndpoint != "" {
		otlpoptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(options.HTTPEndpoint),
			otlptracehttp.WithTimeout(timeout),
		}
		if options.Insecure {
			otlpoptions = append(otlpoptions, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(otlpoptions...))
		if err != nil {
			return nil, err
		}
		tpOptions = append(tpOptions, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(tpOptions...), nil
}
