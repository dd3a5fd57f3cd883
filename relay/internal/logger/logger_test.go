package logger

import (
	"testing"

	"go_tradernet/relay/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	l, err := New(&Config{Level: "warn", Encoding: "json"})
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New(&Config{Level: "loud"})
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.InfoLevel))
	require.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestInitReplacesGlobal(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev; Sugar = prev.Sugar() })

	require.NoError(t, Init(&Config{Level: "debug", Development: true, Encoding: "console"}))
	require.NotSame(t, prev, Log)
	require.NotNil(t, Component("supervisor"))
}

func TestFields(t *testing.T) {
	require.Equal(t, "symbol", Symbol("AAPL.US").Key)
	require.Equal(t, "AUTHENTICATED", State(types.StateAuthenticated).Interface.(interface{ String() string }).String())
	require.Equal(t, int64(3), Attempt(3).Integer)
}
