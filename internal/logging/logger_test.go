package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContextFieldsCarryCorrelation(t *testing.T) {
	ctx := WithRequestID(WithWorkItem(WithTenant(context.Background(), "acme"), "wi-1"), "req-9")
	logger := NewTestLogger()
	logger.Info(ctx, "advanced", zap.String("event", "start_analysis"))

	logger.AssertLogged(t, zapcore.InfoLevel, "advanced")
	logger.AssertField(t, "advanced", "tenant.id", "acme")
	logger.AssertField(t, "advanced", "work_item.id", "wi-1")
	logger.AssertField(t, "advanced", "request.id", "req-9")
	logger.AssertField(t, "advanced", "event", "start_analysis")
}

func TestContextFieldsEmpty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
	l, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}
