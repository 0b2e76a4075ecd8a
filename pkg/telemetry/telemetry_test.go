package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupExportsSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	shutdown, err := Setup(context.Background(), path)
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "node.run")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"node.run"`)
	assert.Contains(t, string(data), "service.name")
}

func TestSetupDisabledIsNoOp(t *testing.T) {
	shutdown, err := Setup(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupBadPath(t *testing.T) {
	_, err := Setup(context.Background(), filepath.Join(t.TempDir(), "missing", "trace.jsonl"))
	require.Error(t, err)
}
