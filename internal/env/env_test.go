package env

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Host     string        `env:"TEST_HOST"`
	Port     int           `env:"TEST_PORT"`
	Enabled  bool          `env:"TEST_ENABLED"`
	Interval time.Duration `env:"TEST_INTERVAL"`
	Ratio    float64       `env:"TEST_RATIO"`
	Tags     []string      `env:"TEST_TAGS"`
}

func TestLoad(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_HOST", "example.com")
	os.Setenv("TEST_PORT", "9090")
	os.Setenv("TEST_ENABLED", "true")
	os.Setenv("TEST_INTERVAL", "1m30s")
	os.Setenv("TEST_RATIO", "0.1")
	os.Setenv("TEST_TAGS", "gpu, media,,")

	var cfg testConfig
	err := Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "example.com", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Interval)
	assert.Equal(t, 0.1, cfg.Ratio)
	assert.Equal(t, []string{"gpu", "media"}, cfg.Tags)
}

func TestLoad_UnsetFieldsKeepZeroValues(t *testing.T) {
	os.Clearenv()

	var cfg testConfig
	err := Load(&cfg)
	require.NoError(t, err)

	assert.Empty(t, cfg.Host)
	assert.Zero(t, cfg.Port)
	assert.False(t, cfg.Enabled)
	assert.Nil(t, cfg.Tags)
}

func TestLoad_InvalidValue(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_PORT", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "TEST_PORT", invalid.EnvVar)
}

func TestLoad_NotStructPointer(t *testing.T) {
	var n int
	assert.Error(t, Load(&n))
	assert.Error(t, Load(testConfig{}))
}

type validatedConfig struct {
	Nested nestedConfig
}

type nestedConfig struct {
	Limit int `env:"TEST_LIMIT"`
}

func (c *nestedConfig) Validate() error {
	if c.Limit < 0 {
		return assert.AnError
	}
	return nil
}

func TestLoad_NestedValidation(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_LIMIT", "-1")

	var cfg validatedConfig
	err := Load(&cfg)
	require.Error(t, err)
}
