package config

import (
	"os"
	"testing"
	"time"
)

// clearEnv unsets variables that would leak between tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"SERVER_ADDR", "SERVER_PORT", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"RADIUS_DB_HOST", "RADIUS_DB_NAME", "DIRECTORY_BACKEND", "FIREWALL_BACKEND", "FIREWALL_SSH_HOST",
		"FIREWALL_SSH_KEY", "COA_MODE", "BACKEND_RETRIES", "DEFAULT_SESSION_DURATION", "WIFI_SSID",
	} {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_JWT_SECRET", "test-secret-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Check defaults
	if cfg.ServerAddr != "0.0.0.0" {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, "0.0.0.0")
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want %d", cfg.ServerPort, 8080)
	}
	if cfg.DBHost != "localhost" {
		t.Errorf("DBHost = %q, want %q", cfg.DBHost, "localhost")
	}
	if cfg.Directory.Backend != "postgres" {
		t.Errorf("Directory.Backend = %q, want postgres", cfg.Directory.Backend)
	}
	if cfg.Firewall.Chain != "FORWARD" {
		t.Errorf("Firewall.Chain = %q, want FORWARD", cfg.Firewall.Chain)
	}
	if cfg.CoA.Port != 3799 {
		t.Errorf("CoA.Port = %d, want 3799", cfg.CoA.Port)
	}
	if cfg.Lifecycle.DefaultSessionDuration != 10*time.Minute {
		t.Errorf("DefaultSessionDuration = %v, want %v", cfg.Lifecycle.DefaultSessionDuration, 10*time.Minute)
	}
	if cfg.Lifecycle.RevokeRetryMax != time.Minute {
		t.Errorf("RevokeRetryMax = %v, want %v", cfg.Lifecycle.RevokeRetryMax, time.Minute)
	}
	if cfg.RadiusDBSeparate() {
		t.Error("RADIUS database should default to the directory database")
	}
	if cfg.HasWiFiQR() {
		t.Error("HasWiFiQR() should be false without WIFI_SSID")
	}
}

func TestLoad_RequiredAdminSecret(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("ADMIN_JWT_SECRET")

	_, err := Load()
	if err == nil {
		t.Error("Load should fail when ADMIN_JWT_SECRET is not set")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_JWT_SECRET", "custom-secret")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("RADIUS_DB_HOST", "radius.example.com")
	t.Setenv("DIRECTORY_BACKEND", "BOLT")
	t.Setenv("DEFAULT_SESSION_DURATION", "45m")
	t.Setenv("WIFI_SSID", "Guests")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want %d", cfg.ServerPort, 9090)
	}
	if cfg.RadiusDB.Host != "radius.example.com" || !cfg.RadiusDBSeparate() {
		t.Errorf("RadiusDB = %+v, want separate host", cfg.RadiusDB)
	}
	if cfg.RadiusDB.Name != cfg.DBName {
		t.Errorf("RadiusDB.Name = %q, want fallback %q", cfg.RadiusDB.Name, cfg.DBName)
	}
	if cfg.Directory.Backend != "bolt" {
		t.Errorf("Directory.Backend = %q, want bolt", cfg.Directory.Backend)
	}
	if cfg.Lifecycle.DefaultSessionDuration != 45*time.Minute {
		t.Errorf("DefaultSessionDuration = %v, want %v", cfg.Lifecycle.DefaultSessionDuration, 45*time.Minute)
	}
	if !cfg.HasWiFiQR() {
		t.Error("HasWiFiQR() should be true")
	}
}

func TestLoad_InvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown directory", env: map[string]string{"DIRECTORY_BACKEND": "mysql"}},
		{name: "unknown firewall", env: map[string]string{"FIREWALL_BACKEND": "nftables"}},
		{name: "ssh without key", env: map[string]string{"FIREWALL_SSH_HOST": "router.lan"}},
		{name: "unknown coa mode", env: map[string]string{"COA_MODE": "bounce"}},
		{name: "zero retries", env: map[string]string{"BACKEND_RETRIES": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("ADMIN_JWT_SECRET", "secret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestUsesRemoteFirewall(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		sshHost  string
		expected bool
	}{
		{name: "local iptables", backend: "iptables", sshHost: "", expected: false},
		{name: "remote iptables", backend: "iptables", sshHost: "router.lan", expected: true},
		{name: "redis ignores ssh", backend: "redis", sshHost: "router.lan", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Firewall: FirewallConfig{Backend: tt.backend, SSHHost: tt.sshHost}}
			if cfg.UsesRemoteFirewall() != tt.expected {
				t.Errorf("UsesRemoteFirewall() = %v, want %v", cfg.UsesRemoteFirewall(), tt.expected)
			}
		})
	}
}

func TestGetEnvInt_InvalidValue(t *testing.T) {
	t.Setenv("TEST_INT", "not-a-number")

	result := getEnvInt("TEST_INT", 42)
	if result != 42 {
		t.Errorf("getEnvInt should return default for invalid value, got %d", result)
	}
}

func TestGetEnvBool_InvalidValue(t *testing.T) {
	t.Setenv("TEST_BOOL", "maybe")

	if result := getEnvBool("TEST_BOOL", true); !result {
		t.Errorf("getEnvBool should return default for invalid value, got %v", result)
	}
}

func TestGetEnvDuration_InvalidValue(t *testing.T) {
	t.Setenv("TEST_DURATION", "invalid")

	result := getEnvDuration("TEST_DURATION", 5*time.Minute)
	if result != 5*time.Minute {
		t.Errorf("getEnvDuration should return default for invalid value, got %v", result)
	}
}
