package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	for _, dev := range []bool{true, false} {
		logger, err := New(dev)
		require.NoError(t, err)
		require.NotNil(t, logger)
		require.Equal(t, dev, logger.Core().Enabled(zapcore.DebugLevel))
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}
