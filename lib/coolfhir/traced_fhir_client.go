package coolfhir

import (
	"context"
	"net/http"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/lib/debug"
	"github.com/SanteonNL/orca/bserengine/lib/otel"
	baseotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var _ fhirclient.Client = &TracedFHIRClient{}

// TracedFHIRClient records a client span for every interaction with a FHIR server. Spans are named after the
// function that invoked the interaction, so a gateway read shows up as e.g. "gateway.(*Gateway).Read".
type TracedFHIRClient struct {
	client fhirclient.Client
	tracer trace.Tracer
}

func NewTracedFHIRClient(client fhirclient.Client, tracer trace.Tracer) *TracedFHIRClient {
	return &TracedFHIRClient{
		client: client,
		tracer: tracer,
	}
}

// do runs fn within a client span. The span context is propagated to the FHIR server through the request headers.
func (t *TracedFHIRClient) do(ctx context.Context, spanName string, interaction string, options []fhirclient.Option,
	fn func(ctx context.Context, options []fhirclient.Option) error, attributes ...attribute.KeyValue) error {
	attributes = append(attributes,
		attribute.String("fhir.interaction", interaction),
		attribute.String(otel.FHIRBaseURL, t.client.Path().String()),
	)
	ctx, span := t.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attributes...))
	defer span.End()

	headers := make(http.Header)
	baseotel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
	if len(headers) > 0 {
		options = append(options, fhirclient.RequestHeaders(headers))
	}
	if err := fn(ctx, options); err != nil {
		return otel.Error(span, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TracedFHIRClient) CreateWithContext(ctx context.Context, resource interface{}, result interface{}, options ...fhirclient.Option) error {
	return t.do(ctx, debug.GetCallerName(), "create", options, func(ctx context.Context, options []fhirclient.Option) error {
		return t.client.CreateWithContext(ctx, resource, result, options...)
	}, attribute.String(otel.FHIRResourceType, ResourceType(resource)))
}

func (t *TracedFHIRClient) Create(resource interface{}, result interface{}, options ...fhirclient.Option) error {
	return t.CreateWithContext(context.Background(), resource, result, options...)
}

func (t *TracedFHIRClient) ReadWithContext(ctx context.Context, path string, result interface{}, options ...fhirclient.Option) error {
	return t.do(ctx, debug.GetCallerName(), "read", options, func(ctx context.Context, options []fhirclient.Option) error {
		return t.client.ReadWithContext(ctx, path, result, options...)
	}, attribute.String(otel.FHIRResourceReference, path))
}

func (t *TracedFHIRClient) Read(path string, result interface{}, options ...fhirclient.Option) error {
	return t.ReadWithContext(context.Background(), path, result, options...)
}

func (t *TracedFHIRClient) UpdateWithContext(ctx context.Context, path string, resource interface{}, result interface{}, options ...fhirclient.Option) error {
	return t.do(ctx, debug.GetCallerName(), "update", options, func(ctx context.Context, options []fhirclient.Option) error {
		return t.client.UpdateWithContext(ctx, path, resource, result, options...)
	}, attribute.String(otel.FHIRResourceType, ResourceType(resource)), attribute.String(otel.FHIRResourceReference, path))
}

func (t *TracedFHIRClient) Update(path string, resource interface{}, result interface{}, options ...fhirclient.Option) error {
	return t.UpdateWithContext(context.Background(), path, resource, result, options...)
}

func (t *TracedFHIRClient) DeleteWithContext(ctx context.Context, path string, options ...fhirclient.Option) error {
	return t.do(ctx, debug.GetCallerName(), "delete", options, func(ctx context.Context, options []fhirclient.Option) error {
		return t.client.DeleteWithContext(ctx, path, options...)
	}, attribute.String(otel.FHIRResourceReference, path))
}

func (t *TracedFHIRClient) Delete(path string, options ...fhirclient.Option) error {
	return t.DeleteWithContext(context.Background(), path, options...)
}

// SearchWithContext only records the number of search parameters, since their values may identify the patient.
func (t *TracedFHIRClient) SearchWithContext(ctx context.Context, resourceType string, params url.Values, result interface{}, options ...fhirclient.Option) error {
	return t.do(ctx, debug.GetCallerName(), "search", options, func(ctx context.Context, options []fhirclient.Option) error {
		return t.client.SearchWithContext(ctx, resourceType, params, result, options...)
	}, attribute.String(otel.FHIRResourceType, resourceType), attribute.Int(otel.FHIRSearchParamCount, len(params)))
}

func (t *TracedFHIRClient) Search(resourceType string, params url.Values, result interface{}, options ...fhirclient.Option) error {
	return t.SearchWithContext(context.Background(), resourceType, params, result, options...)
}

func (t *TracedFHIRClient) Path(path ...string) *url.URL {
	return t.client.Path(path...)
}
