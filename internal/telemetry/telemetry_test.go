package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.NotNil(t, tel.Tracer())
	assert.NoError(t, tel.Shutdown(context.Background()))

	var nilTel *Telemetry
	assert.NotNil(t, nilTel.Tracer())
	assert.NoError(t, nilTel.Shutdown(context.Background()))
}

// otlptracegrpc 默认惰性连接，没有 collector 时也能创建与关闭
func TestSetupEnabled(t *testing.T) {
	tel, err := Setup(context.Background(), Config{Enabled: true, OTLPEndpoint: "127.0.0.1:4317", ServiceName: "nyc311bot-test"})
	require.NoError(t, err)

	_, span := tel.Tracer().Start(context.Background(), "test")
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// 导出失败只影响返回值，不应 panic
	_ = tel.Shutdown(ctx)
}
