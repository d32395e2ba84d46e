package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		opts    Options
		enabled zapcore.Level
		quiet   zapcore.Level
	}{
		{Options{Level: "info", Format: "json"}, zapcore.InfoLevel, zapcore.DebugLevel},
		{Options{Level: "debug", Format: "console"}, zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{Options{Level: "error"}, zapcore.ErrorLevel, zapcore.WarnLevel},
	}
	for _, tc := range cases {
		t.Run(tc.opts.Level+"/"+tc.opts.Format, func(t *testing.T) {
			logger, err := New(tc.opts)
			require.NoError(t, err)
			require.True(t, logger.Core().Enabled(tc.enabled))
			require.False(t, logger.Core().Enabled(tc.quiet))
		})
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud", Format: "json"})
	require.ErrorContains(t, err, "invalid log level")

	_, err = New(Options{Level: "info", Format: "xml"})
	require.ErrorContains(t, err, "invalid log format")
}
