package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("FOO", "")
	assert.Equal(t, "bar", GetEnv("FOO", "bar"))
	t.Setenv("FOO", "baz")
	assert.Equal(t, "baz", GetEnv("FOO", "bar"))

	t.Setenv("NUM", "notint")
	assert.Equal(t, 7, GetEnvInt("NUM", 7))
	t.Setenv("NUM", "100")
	assert.Equal(t, 100, GetEnvInt("NUM", 7))

	t.Setenv("FLAG", "true")
	assert.True(t, GetEnvBool("FLAG", false))

	t.Setenv("WAIT", "90s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("WAIT", time.Second))
	t.Setenv("WAIT", "soon")
	assert.Equal(t, time.Second, GetEnvDuration("WAIT", time.Second))
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, logrus.DebugLevel, GetLogLevel())
	t.Setenv("LOG_LEVEL", "loud")
	assert.Equal(t, logrus.InfoLevel, GetLogLevel())
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9000")
	t.Setenv("STORE", "sqlite")
	t.Setenv("SALES_WORKERS", "2")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load([]string{"-port", "3000", "-store", "memory"})
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 2, cfg.SalesWorkers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL)
}

func TestLoad_ValidationErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "DATABASE_URL is required")

	t.Setenv("JWT_SECRET", "x")
	t.Setenv("STORE", "cassandra")
	_, err = Load(nil)
	assert.ErrorContains(t, err, `unknown store "cassandra"`)
}

func TestLoad_ScenariosToggle(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("STORE", "memory")

	t.Setenv("ENABLE_SCENARIOS", "")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.True(t, cfg.EnableScenarios)

	t.Setenv("ENABLE_SCENARIOS", "false")
	cfg, err = Load(nil)
	require.NoError(t, err)
	assert.False(t, cfg.EnableScenarios)
}
