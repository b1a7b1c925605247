package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/dream-interpreter/config"
)

func TestInitTracer_Discard(t *testing.T) {
	shutdown, err := InitTracer(config.TelemetryConfig{OTELExporterType: "none"})
	require.NoError(t, err)
	defer shutdown()

	_, span := otel.Tracer("test").Start(context.Background(), "relay.stream")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	_, err := InitTracer(config.TelemetryConfig{OTELExporterType: "zipkin"})
	assert.ErrorContains(t, err, "zipkin")
}
