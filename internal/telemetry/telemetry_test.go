package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"disabled skips validation", func(c *Config) { c.Endpoint = "" }, false},
		{"enabled local", func(c *Config) { c.Enabled = true }, false},
		{"enabled loopback ip", func(c *Config) { c.Enabled = true; c.Endpoint = "127.0.0.1:4317" }, false},
		{"insecure remote rejected", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example:4317" }, true},
		{"secure remote allowed", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "collector.example:4317"
			c.Insecure = false
		}, false},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, true},
		{"bad sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_Records(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "op")
	span.SetAttributes(attribute.String("signature.id", "sig-1"))
	span.End()
	tt.AssertSpanAttribute(t, "op", "signature.id", "sig-1")

	counter, err := tt.Meter("test").Int64Counter("neighbor.test.events")
	require.NoError(t, err)
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("kind", "a")))
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("kind", "b")))

	assert.Equal(t, int64(5), tt.CounterValue(t, "neighbor.test.events"))
	assert.Equal(t, int64(3), tt.CounterValue(t, "neighbor.test.events", attribute.String("kind", "b")))
}

func TestNewResource_HostName(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.HostName = "laptop-7"

	res := newResource(cfg)
	host, ok := res.Set().Value("host.name")
	require.True(t, ok)
	assert.Equal(t, "laptop-7", host.AsString())
	name, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "neighbor", name.AsString())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "root:AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "root:TraceIDRatioBased{0.25}")
}
