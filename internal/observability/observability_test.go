package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_None(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Exporter: "none"}, nil))
	ctx, span := StartSpan(context.Background(), "test.span")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
	require.NoError(t, Shutdown(context.Background()))
}

func TestInit_Stdout(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Exporter: "stdout", ServiceName: "lectio-test"}, nil))
	assert.True(t, Enabled())
	_, span := StartSpan(context.Background(), "test.span")
	EndSpan(span, nil)
	require.NoError(t, Shutdown(context.Background()))
	assert.False(t, Enabled())
	require.NoError(t, Shutdown(context.Background()), "second shutdown is a no-op")
	require.NoError(t, Init(context.Background(), Config{Exporter: "none"}, nil))
}

func TestInit_UnknownExporter(t *testing.T) {
	assert.Error(t, Init(context.Background(), Config{Exporter: "zipkin"}, nil))
}

func TestParseHeaders(t *testing.T) {
	assert.Nil(t, parseHeaders(""))
	assert.Equal(t, map[string]string{"Authorization": "Bearer x", "X-Team": "tutor"},
		parseHeaders("Authorization=Bearer x, X-Team=tutor,broken"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_EXPORTER", "otlp")
	cfg := ConfigFromEnv()
	assert.Equal(t, "svc", cfg.ServiceName)
	assert.Equal(t, "otlp", cfg.Exporter)
}
