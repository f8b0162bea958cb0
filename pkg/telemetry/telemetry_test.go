package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitializeAndShutdown(t *testing.T) {
	var buf bytes.Buffer
	tel, err := InitializeWithWriter("stagehand-test", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))

	assert.Contains(t, buf.String(), `"Name": "unit"`)
	assert.Contains(t, buf.String(), "stagehand-test")
}
