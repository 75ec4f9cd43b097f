package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Output = OutputConfig{}
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Redaction.Patterns = []string{"("}
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestContextFields(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithSignatureID(ctx, "iwlwifi-microcode")

	tl := NewTestLogger()
	tl.Info(ctx, "session presented", zap.String("unit", "kernel"))

	tl.AssertLogged(t, zapcore.InfoLevel, "session presented")
	tl.AssertField(t, "session presented", "session.id", "sess-1")
	tl.AssertField(t, "session presented", "signature.id", "iwlwifi-microcode")
	tl.AssertField(t, "session presented", "unit", "kernel")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	zl := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel))
	zl.With(zap.String("token", "abc123")).Info("call",
		zap.String("api_key", "sk-live"),
		zap.String("header", "Bearer xyz"),
		zap.String("unit", "NetworkManager.service"),
	)

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "sk-live")
	assert.NotContains(t, out, "Bearer xyz")
	assert.Contains(t, out, "NetworkManager.service")
}

func TestRedactingEncoder_ScrubsLogFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	zl := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel))
	zl.Info("unmatched record",
		zap.String("message", "DHCPACK of 192.168.1.20 from 192.168.1.1"),
		zap.String("iface", "192.168.1.1"),
	)

	out := buf.String()
	assert.Contains(t, out, `"message":"DHCPACK of [ip] from [ip]"`)
	assert.Contains(t, out, `"iface":"192.168.1.1"`, "only log text fields are scrubbed")
}

func TestTestLogger_AssertNoPII(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "dhcp lease renewed", zap.String("iface", "wlan0"))
	tl.AssertNoPII(t)

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	tl := NewTestLogger()
	core := newSampledCore(tl.Underlying().Core(), SamplingConfig{
		Enabled: true, Tick: 1e9, Initial: 1, Thereafter: 0,
	})
	zl := zap.New(core)
	for i := 0; i < 5; i++ {
		zl.Info("repeated")
		zl.Error("failure")
	}
	assert.Equal(t, 1, tl.FilterMessage("repeated").Len())
	assert.Equal(t, 5, tl.FilterMessage("failure").Len())
}
