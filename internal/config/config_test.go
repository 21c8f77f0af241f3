package config

import (
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0.5)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="high" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("SLOTWARDEN_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid SLOTWARDEN_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "SLOTWARDEN_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention SLOTWARDEN_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("SLOTWARDEN_PORT", "abc")
	t.Setenv("SLOTWARDEN_ESCALATION_TIMEOUT", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "SLOTWARDEN_PORT") {
		t.Fatalf("error should mention SLOTWARDEN_PORT, got: %s", got)
	}
	if !contains(got, "SLOTWARDEN_ESCALATION_TIMEOUT") {
		t.Fatalf("error should mention SLOTWARDEN_ESCALATION_TIMEOUT, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.EscalationTimeout.Seconds() != 300 {
		t.Fatalf("expected default escalation timeout 300s, got %s", cfg.EscalationTimeout)
	}
	if cfg.AutoResolveThreshold != 0.8 {
		t.Fatalf("expected default auto-resolve threshold 0.8, got %v", cfg.AutoResolveThreshold)
	}
	if cfg.Storage != StoragePostgres {
		t.Fatalf("expected postgres storage by default, got %s", cfg.Storage)
	}
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	t.Setenv("SLOTWARDEN_STORAGE", "mongo")
	_, err := Load()
	if err == nil || !contains(err.Error(), "SLOTWARDEN_STORAGE") {
		t.Fatalf("expected storage validation error, got: %v", err)
	}
}

func TestLoadRejectsInvertedRiskThresholds(t *testing.T) {
	t.Setenv("SLOTWARDEN_RISK_MONITOR_THRESHOLD", "0.6")
	t.Setenv("SLOTWARDEN_RISK_ACCEPT_THRESHOLD", "0.5")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject monitor threshold above accept threshold")
	}
}

func TestParseProviders(t *testing.T) {
	providers, err := parseProviders("Google=https://cal.example/google/, outlook=https://cal.example/outlook")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
	if providers[0].Name != "google" || providers[0].BaseURL != "https://cal.example/google" {
		t.Fatalf("unexpected first provider: %+v", providers[0])
	}

	for _, bad := range []string{"google", "=https://x", "internal=https://x", "a=https://x,a=https://y"} {
		if _, err := parseProviders(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split: %v", got)
	}
	if splitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestLoadRejectsNonPositiveInterval(t *testing.T) {
	t.Setenv("SLOTWARDEN_DETECTION_INTERVAL", "0s")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for zero detection interval, got nil")
	}
	if got := err.Error(); got != "config: SLOTWARDEN_DETECTION_INTERVAL must be positive" {
		t.Fatalf("unexpected error message: %s", got)
	}
}
