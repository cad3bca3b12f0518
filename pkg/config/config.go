// Package config loads the gateway's environment-variable configuration,
// generalizing the teacher's simple os.Getenv-with-defaults loader to
// also enforce spec.md's SEC-040 ("missing required config") by refusing
// to start rather than falling back to an unsafe default for any of the
// three required HITL policy knobs (timeout, slippage bound, allowed
// operators).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// Config holds every environment-tunable setting for the gateway process.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	GuardianURL string

	HITLEnabled            bool
	HITLTimeoutSeconds      int64
	HITLSlippageMaxPercent  contracts.Money
	HITLAllowedOperators    []string
	HITLExpiryIntervalSecs  int64
}

// Load reads the gateway's configuration from the environment. It returns
// a *contracts.GatewayError with code SEC-040 if any HITL-policy variable
// required when HITL_ENABLED=true is missing or malformed - spec.md §4:
// "fail closed on missing config, never assume a safe default."
func Load() (*Config, error) {
	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		DatabaseURL: envOr("DATABASE_URL", "postgres://hitl@localhost:5432/hitl?sslmode=disable"),
		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379/0"),
		GuardianURL: envOr("GUARDIAN_URL", "http://localhost:9090"),
	}

	cfg.HITLEnabled = os.Getenv("HITL_ENABLED") != "false"
	if !cfg.HITLEnabled {
		return cfg, nil
	}

	timeoutStr := os.Getenv("HITL_TIMEOUT_SECONDS")
	if timeoutStr == "" {
		return nil, missingConfigErr("HITL_TIMEOUT_SECONDS")
	}
	timeout, err := strconv.ParseInt(timeoutStr, 10, 64)
	if err != nil || timeout <= 0 {
		return nil, malformedConfigErr("HITL_TIMEOUT_SECONDS", timeoutStr)
	}
	cfg.HITLTimeoutSeconds = timeout

	slippageStr := os.Getenv("HITL_SLIPPAGE_MAX_PERCENT")
	if slippageStr == "" {
		return nil, missingConfigErr("HITL_SLIPPAGE_MAX_PERCENT")
	}
	slippage, err := parseDecimalToMoney(slippageStr, 4)
	if err != nil {
		return nil, malformedConfigErr("HITL_SLIPPAGE_MAX_PERCENT", slippageStr)
	}
	cfg.HITLSlippageMaxPercent = slippage

	operatorsStr := os.Getenv("HITL_ALLOWED_OPERATORS")
	if strings.TrimSpace(operatorsStr) == "" {
		return nil, missingConfigErr("HITL_ALLOWED_OPERATORS")
	}
	for _, op := range strings.Split(operatorsStr, ",") {
		op = strings.TrimSpace(op)
		if op != "" {
			cfg.HITLAllowedOperators = append(cfg.HITLAllowedOperators, op)
		}
	}
	if len(cfg.HITLAllowedOperators) == 0 {
		return nil, missingConfigErr("HITL_ALLOWED_OPERATORS")
	}

	expiryStr := envOr("HITL_EXPIRY_INTERVAL_SECONDS", "30")
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil || expiry <= 0 {
		return nil, malformedConfigErr("HITL_EXPIRY_INTERVAL_SECONDS", expiryStr)
	}
	cfg.HITLExpiryIntervalSecs = expiry

	return cfg, nil
}

// ExpiryInterval returns the Expiry Worker's sweep cadence as a Duration.
func (c *Config) ExpiryInterval() time.Duration {
	return time.Duration(c.HITLExpiryIntervalSecs) * time.Second
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func missingConfigErr(key string) error {
	return contracts.NewGatewayError(contracts.SecMissingConfig, "",
		"required environment variable %s is not set", key)
}

func malformedConfigErr(key, value string) error {
	return contracts.NewGatewayError(contracts.SecMissingConfig, "",
		"environment variable %s has an invalid value %q", key, value)
}

// parseDecimalToMoney parses a plain decimal string (e.g. "0.5000") into a
// fixed-point Money at the given scale.
func parseDecimalToMoney(s string, scale uint8) (contracts.Money, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < int(scale) {
		frac += "0"
	}
	if len(frac) > int(scale) {
		frac = frac[:scale]
	}

	combined := whole + frac
	units, err := strconv.ParseInt(combined, 10, 64)
	if err != nil {
		return contracts.Money{}, fmt.Errorf("config: parse decimal %q: %w", s, err)
	}
	if neg {
		units = -units
	}
	return contracts.Money{Units: units, Scale: scale}, nil
}
