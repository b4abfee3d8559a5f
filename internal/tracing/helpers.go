package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName   = "otsukisama"
	dbInstrumentationName = "otsukisama/db"
	gwInstrumentationName = "otsukisama/gateway"
)

// Span attribute keys shared by the payment code.
const (
	AttrProvider    = attribute.Key("payment.provider")
	AttrOperation   = attribute.Key("payment.operation")
	AttrPurchaseID  = attribute.Key("payment.purchase_id")
	AttrDiagnosisID = attribute.Key("payment.diagnosis_id")
	AttrTrigger     = attribute.Key("payment.trigger")
)

// DBOperation represents the type of database operation being traced.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	// DBOperationUpsert is INSERT ... ON CONFLICT DO UPDATE.
	DBOperationUpsert DBOperation = "upsert"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// StartDBSpan starts a client span named "<operation> <table>".
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "purchases", tracing.DBOperationUpdate)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	if table != "" {
		name += " " + table
	}
	kv := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		kv = append(kv, attribute.String("db.sql.table", table))
	}
	ctx, span := otel.Tracer(dbInstrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(kv...),
	)
	return ctx, ender(span)
}

// StartGatewaySpan starts a client span for one call to a payment provider,
// named "gateway.<provider>.<op>".
func StartGatewaySpan(ctx context.Context, provider, op string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(gwInstrumentationName).Start(ctx, "gateway."+provider+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrProvider.String(provider), AttrOperation.String(op)),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span.
//
//	ctx, endSpan := tracing.StartSpan(ctx, "payment.reconcile")
//	defer func() { endSpan(err) }()
func StartSpan(ctx context.Context, name string, kv ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(kv...))
	return ctx, ender(span)
}

func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, kv ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(kv...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, kv ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(kv...)
}
