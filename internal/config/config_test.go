package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultMinAmount, cfg.MinAmount)
	assert.Equal(t, DefaultMaxAmount, cfg.MaxAmount)
	assert.Equal(t, DefaultStepMaxRetries, cfg.StepMaxRetries)
	assert.Equal(t, DefaultSagaTTL, cfg.SagaTTL)
	assert.Equal(t, DefaultReplayWindow, cfg.ReplayWindow)
}

func TestLoad_DurationOverrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "SAGA_TTL", "2h")
	setEnv(t, "SWEEP_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.SagaTTL)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env:            "development",
				StepMaxRetries: 3,
				SagaTTL:        DefaultSagaTTL,
				ReplayWindow:   DefaultReplayWindow,
			},
			wantErr: "",
		},
		{
			name: "zero retries",
			config: Config{
				Env:          "development",
				SagaTTL:      DefaultSagaTTL,
				ReplayWindow: DefaultReplayWindow,
			},
			wantErr: "STEP_MAX_RETRIES",
		},
		{
			name: "zero TTL",
			config: Config{
				Env:            "development",
				StepMaxRetries: 3,
				ReplayWindow:   DefaultReplayWindow,
			},
			wantErr: "SAGA_TTL",
		},
		{
			name: "production without webhook secret",
			config: Config{
				Env:            "production",
				StepMaxRetries: 3,
				SagaTTL:        DefaultSagaTTL,
				ReplayWindow:   DefaultReplayWindow,
			},
			wantErr: "STRIPE_WEBHOOK_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_INVALID", "not_a_duration")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute)) // Falls back on parse error
}
