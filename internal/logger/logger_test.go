package logger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undp-data/dfpp/internal/logger"
)

func TestWithContextRoundTrip(t *testing.T) {
	t.Parallel()

	l, err := logger.New(logger.Config{Level: "debug"})
	require.NoError(t, err)

	ctx := logger.WithContext(context.Background(), l)
	assert.Same(t, l, logger.FromContext(ctx))
}

func TestFromContextFallbackIsSingleton(t *testing.T) {
	t.Parallel()

	a := logger.FromContext(context.Background())
	b := logger.FromContext(context.Background())
	require.NotNil(t, a)
	assert.Same(t, a, b)

	// Filtered levels must still be callable.
	a.Debug("debug message")
	a.Warn("warn message", logger.String("key", "value"))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	l := logger.NewNop()
	l.Info("ignored", logger.Int("n", 1))
	assert.NoError(t, l.With(logger.String("a", "b")).Sync())
}
