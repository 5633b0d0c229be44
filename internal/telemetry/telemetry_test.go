package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "pathway-indexer-test", Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(context.Background(), "fetch")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())
	require.True(t, span.IsRecording())
}
