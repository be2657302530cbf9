package telemetry

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultOTLPTracesPath = "/v1/traces"
	otlpExportTimeout     = 10 * time.Second
	maxErrorBodyBytes     = 4096
)

// OTLP status codes differ from the otel/codes numbering.
const (
	otlpStatusUnset = 0
	otlpStatusOk    = 1
	otlpStatusError = 2
)

// otlpHTTPExporter posts finished spans to an OTLP/HTTP collector using the JSON encoding.
type otlpHTTPExporter struct {
	endpoint string
	client   *http.Client
}

func newOTLPHTTPExporter(endpoint string) *otlpHTTPExporter {
	return &otlpHTTPExporter{
		endpoint: normalizeOTLPEndpoint(endpoint),
		client:   &http.Client{Timeout: otlpExportTimeout},
	}
}

func normalizeOTLPEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = defaultOTLPTracesPath
	}
	return parsed.String()
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *otlpHTTPExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	body, err := json.Marshal(buildOTLPTraceRequest(spans))
	if err != nil {
		return fmt.Errorf("encode otlp request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build otlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send otlp request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		responseBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		detail := strings.TrimSpace(string(responseBody))
		if readErr != nil {
			detail = "body-read-error"
		}
		return fmt.Errorf("otlp export failed status=%d body=%s", resp.StatusCode, detail)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *otlpHTTPExporter) Shutdown(context.Context) error {
	if e.client != nil {
		e.client.CloseIdleConnections()
	}
	return nil
}

type otlpTraceRequest struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Status            otlpStatus     `json:"status"`
}

type otlpStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpAnyValue struct {
	StringValue *string  `json:"stringValue,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty"`
	IntValue    *string  `json:"intValue,omitempty"`
	DoubleValue *float64 `json:"doubleValue,omitempty"`
}

// buildOTLPTraceRequest groups spans by resource, then by instrumentation scope, keeping input order.
func buildOTLPTraceRequest(spans []sdktrace.ReadOnlySpan) otlpTraceRequest {
	request := otlpTraceRequest{ResourceSpans: []otlpResourceSpans{}}
	resourceIndex := make(map[attribute.Distinct]int)
	scopeIndex := make(map[attribute.Distinct]map[string]int)

	for _, span := range spans {
		if span == nil {
			continue
		}
		var resourceKey attribute.Distinct
		var resourceAttrs []attribute.KeyValue
		if res := span.Resource(); res != nil {
			resourceKey = res.Equivalent()
			resourceAttrs = res.Attributes()
		}

		ri, ok := resourceIndex[resourceKey]
		if !ok {
			ri = len(request.ResourceSpans)
			resourceIndex[resourceKey] = ri
			scopeIndex[resourceKey] = make(map[string]int)
			request.ResourceSpans = append(request.ResourceSpans, otlpResourceSpans{
				Resource: otlpResource{Attributes: toOTLPAttributes(resourceAttrs)},
			})
		}

		scope := span.InstrumentationScope()
		scopeKey := scope.Name + "@" + scope.Version
		si, ok := scopeIndex[resourceKey][scopeKey]
		if !ok {
			si = len(request.ResourceSpans[ri].ScopeSpans)
			scopeIndex[resourceKey][scopeKey] = si
			request.ResourceSpans[ri].ScopeSpans = append(request.ResourceSpans[ri].ScopeSpans, otlpScopeSpans{
				Scope: otlpScope{Name: scope.Name, Version: scope.Version},
			})
		}

		request.ResourceSpans[ri].ScopeSpans[si].Spans = append(request.ResourceSpans[ri].ScopeSpans[si].Spans, toOTLPSpan(span))
	}
	return request
}

func toOTLPSpan(span sdktrace.ReadOnlySpan) otlpSpan {
	spanContext := span.SpanContext()
	traceID := spanContext.TraceID()
	spanID := spanContext.SpanID()

	converted := otlpSpan{
		TraceID:           hex.EncodeToString(traceID[:]),
		SpanID:            hex.EncodeToString(spanID[:]),
		Name:              span.Name(),
		Kind:              int(span.SpanKind()),
		StartTimeUnixNano: strconv.FormatInt(span.StartTime().UnixNano(), 10),
		EndTimeUnixNano:   strconv.FormatInt(span.EndTime().UnixNano(), 10),
		Attributes:        toOTLPAttributes(span.Attributes()),
		Status:            toOTLPStatus(span.Status()),
	}
	if parent := span.Parent(); parent.HasSpanID() {
		parentID := parent.SpanID()
		converted.ParentSpanID = hex.EncodeToString(parentID[:])
	}
	return converted
}

func toOTLPStatus(status sdktrace.Status) otlpStatus {
	switch status.Code {
	case codes.Error:
		return otlpStatus{Code: otlpStatusError, Message: status.Description}
	case codes.Ok:
		return otlpStatus{Code: otlpStatusOk}
	default:
		return otlpStatus{Code: otlpStatusUnset}
	}
}

func toOTLPAttributes(attrs []attribute.KeyValue) []otlpKeyValue {
	if len(attrs) == 0 {
		return nil
	}
	converted := make([]otlpKeyValue, 0, len(attrs))
	for _, kv := range attrs {
		value := otlpAnyValue{}
		switch kv.Value.Type() {
		case attribute.BOOL:
			b := kv.Value.AsBool()
			value.BoolValue = &b
		case attribute.INT64:
			i := strconv.FormatInt(kv.Value.AsInt64(), 10)
			value.IntValue = &i
		case attribute.FLOAT64:
			f := kv.Value.AsFloat64()
			value.DoubleValue = &f
		default:
			s := kv.Value.Emit()
			value.StringValue = &s
		}
		converted = append(converted, otlpKeyValue{Key: string(kv.Key), Value: value})
	}
	return converted
}
