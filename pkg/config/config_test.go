package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/config"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

func clearHITLEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HITL_ENABLED", "HITL_TIMEOUT_SECONDS", "HITL_SLIPPAGE_MAX_PERCENT",
		"HITL_ALLOWED_OPERATORS", "HITL_EXPIRY_INTERVAL_SECONDS",
	} {
		t.Setenv(key, "")
	}
}

// TestLoad_MissingTimeout_FailsClosed verifies SEC-040: enabling HITL
// without a timeout must refuse to boot, never fall back to a default.
func TestLoad_MissingTimeout_FailsClosed(t *testing.T) {
	clearHITLEnv(t)
	t.Setenv("HITL_ENABLED", "true")

	_, err := config.Load()
	require.Error(t, err)
	gwErr, ok := err.(*contracts.GatewayError)
	require.True(t, ok)
	assert.Equal(t, contracts.SecMissingConfig, gwErr.Code)
}

// TestLoad_Disabled_SkipsHITLValidation verifies the explicit bypass path:
// HITL_ENABLED=false never requires the policy knobs.
func TestLoad_Disabled_SkipsHITLValidation(t *testing.T) {
	clearHITLEnv(t)
	t.Setenv("HITL_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.False(t, cfg.HITLEnabled)
}

func TestLoad_FullyConfigured(t *testing.T) {
	clearHITLEnv(t)
	t.Setenv("HITL_ENABLED", "true")
	t.Setenv("HITL_TIMEOUT_SECONDS", "300")
	t.Setenv("HITL_SLIPPAGE_MAX_PERCENT", "0.5")
	t.Setenv("HITL_ALLOWED_OPERATORS", "alice, bob")
	t.Setenv("HITL_EXPIRY_INTERVAL_SECONDS", "30")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(300), cfg.HITLTimeoutSeconds)
	assert.Equal(t, []string{"alice", "bob"}, cfg.HITLAllowedOperators)
	assert.Equal(t, contracts.Money{Units: 5000, Scale: 4}, cfg.HITLSlippageMaxPercent)
}

func TestLoad_Defaults_NonHITLSettings(t *testing.T) {
	clearHITLEnv(t)
	t.Setenv("HITL_ENABLED", "false")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
}
