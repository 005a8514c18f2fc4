package log

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		level   int
		allowed int
		seen    bool
	}{
		{InfoLevel, InfoLevel, true},
		{DebugLevel, InfoLevel, false},
		{ErrorLevel, DebugLevel, true},
		{WarnLevel, ErrorLevel, false},
		{WarnLevel, DebugLevel, true},
	}

	for i, test := range tests {
		var b bytes.Buffer
		w := bufio.NewWriter(&b)
		logger := New(zapcore.AddSync(w), test.allowed, true).With("device", "d1")

		switch test.level {
		case DebugLevel:
			logger.Debugw("hello")
		case InfoLevel:
			logger.Infow("hello")
		case WarnLevel:
			logger.Warnw("hello")
		case ErrorLevel:
			logger.Errorw("hello")
		}
		require.NoError(t, w.Flush())

		if test.seen {
			require.Contains(t, b.String(), "hello", "case %d", i)
			require.Contains(t, b.String(), "d1", "case %d", i)
		} else {
			require.Empty(t, b.String(), "case %d", i)
		}
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, DebugLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, InfoLevel, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestContext(t *testing.T) {
	l := Nop().Named("x")
	ctx := ToContext(context.Background(), l)
	require.Equal(t, l, FromContextOrDefault(ctx))
	require.NotNil(t, FromContextOrDefault(context.Background()))
}
