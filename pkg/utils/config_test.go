package utils

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Enabled bool          `mapstructure:"enabled"`
	Count   int           `mapstructure:"count"`
	Listen  []string      `mapstructure:"listen"`
}

func TestUnmarshalConfig(t *testing.T) {
	v := viper.New()
	v.Set("timeout", "1500ms")
	v.Set("enabled", "yes")
	v.Set("count", "42")
	v.Set("listen", "tcp://:9090,tcp://:9091")

	cfg := &testConfig{}
	require.NoError(t, UnmarshalConfig(v, cfg))

	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 42, cfg.Count)
	assert.Equal(t, []string{"tcp://:9090", "tcp://:9091"}, cfg.Listen)
}

func TestUnmarshalConfigBadBool(t *testing.T) {
	v := viper.New()
	v.Set("enabled", "maybe")

	assert.Error(t, UnmarshalConfig(v, &testConfig{}))
}

func TestUnmarshalConfigByteSize(t *testing.T) {
	v := viper.New()
	v.Set("count", "16MiB")

	cfg := &testConfig{}
	require.NoError(t, UnmarshalConfig(v, cfg))
	assert.Equal(t, 16*1024*1024, cfg.Count)

	v.Set("count", "lots")
	assert.Error(t, UnmarshalConfig(v, cfg))
}
