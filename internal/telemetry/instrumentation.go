package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Span attributes must stay low-cardinality: operation, component and status
// only. Song names, mids, URLs and file paths belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName)
	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := statusSuccess
	if err != nil {
		status = statusError

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(attribute.String("status", status))

	return err
}

// InstrumentDBOperation instruments history repository operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments calls to the vendor API and the crypto sidecar.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	start := time.Now()
	err := t.InstrumentOperation(ctx, client+"_"+operation, "client", fn)

	t.RecordClientOperation(client, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentDownload instruments one song transfer.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	start := time.Now()

	t.addActiveDownloads(1)
	defer t.addActiveDownloads(-1)

	err := t.InstrumentOperation(ctx, "download", "transfer", fn)

	t.RecordDownload(statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return statusError
	}

	return statusSuccess
}
