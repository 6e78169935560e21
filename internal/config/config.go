package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// Server
	ServerAddr     string
	ServerPort     int
	MaxBodyBytes   int64
	TrustedProxies bool

	// Database (session directory)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Admin bearer tokens
	AdminJWTSecret string
	AdminJWTIssuer string

	Directory DirectoryConfig
	RadiusDB  RadiusDBConfig
	Firewall  FirewallConfig
	Redis     RedisConfig
	CoA       CoAConfig
	WiFi      WiFiConfig
	Lifecycle LifecycleConfig

	RateLimit       RateLimitConfig
	SecurityHeaders SecurityHeadersConfig
}

// DirectoryConfig selects where guest sessions are stored.
type DirectoryConfig struct {
	Backend  string // postgres or bolt
	BoltPath string
}

// RadiusDBConfig points at the FreeRADIUS SQL database. Unset fields fall
// back to the DB_* settings.
type RadiusDBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// FirewallConfig selects and configures the rule table.
type FirewallConfig struct {
	Backend string // iptables, redis or memory
	Chain   string
	Sudo    bool
	Wait    bool

	// SSH settings drive iptables on a remote router when SSHHost is set.
	SSHHost           string
	SSHPort           int
	SSHUser           string
	SSHKeyPath        string
	SSHKnownHostsPath string
}

// RedisConfig holds the Redis rule table connection.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// CoAConfig holds dynamic authorization client settings.
type CoAConfig struct {
	Port          int
	DefaultSecret string
	Timeout       time.Duration
	Mode          string // disconnect or coa
}

// WiFiConfig describes the guest network advertised in onboarding QR codes.
type WiFiConfig struct {
	SSID     string
	AuthType string
}

// LifecycleConfig tunes session lifecycle timing.
type LifecycleConfig struct {
	DefaultSessionDuration time.Duration
	BackendTimeout         time.Duration
	BackendRetries         int
	RevokeRetryBase        time.Duration
	RevokeRetryMax         time.Duration
}

// RateLimitConfig holds per-endpoint rate limiting settings.
type RateLimitConfig struct {
	Enabled                     bool
	CreateRequestsPerMinute     int
	CreateWindowMinutes         int
	DisconnectRequestsPerMinute int
	DisconnectWindowMinutes     int
}

// SecurityHeadersConfig holds response security header settings.
type SecurityHeadersConfig struct {
	Enabled            bool
	CSP                string
	HSTSMaxAge         int
	FrameOptions       string
	ContentTypeOptions string
	XSSProtection      string
	ReferrerPolicy     string
	PermissionsPolicy  string
	CacheControl       string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Server defaults
		ServerAddr:     getEnv("SERVER_ADDR", "0.0.0.0"),
		ServerPort:     getEnvInt("SERVER_PORT", 8080),
		MaxBodyBytes:   int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),
		TrustedProxies: getEnvBool("TRUSTED_PROXIES", false),

		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "mini_nac"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		AdminJWTIssuer: getEnv("ADMIN_JWT_ISSUER", "mini-nac"),

		Directory: DirectoryConfig{
			Backend:  strings.ToLower(getEnv("DIRECTORY_BACKEND", "postgres")),
			BoltPath: getEnv("BOLT_PATH", "mini-nac.db"),
		},

		Firewall: FirewallConfig{
			Backend:           strings.ToLower(getEnv("FIREWALL_BACKEND", "iptables")),
			Chain:             getEnv("FIREWALL_CHAIN", "FORWARD"),
			Sudo:              getEnvBool("FIREWALL_SUDO", false),
			Wait:              getEnvBool("FIREWALL_WAIT", true),
			SSHHost:           getEnv("FIREWALL_SSH_HOST", ""),
			SSHPort:           getEnvInt("FIREWALL_SSH_PORT", 22),
			SSHUser:           getEnv("FIREWALL_SSH_USER", "root"),
			SSHKeyPath:        getEnv("FIREWALL_SSH_KEY", ""),
			SSHKnownHostsPath: getEnv("FIREWALL_SSH_KNOWN_HOSTS", ""),
		},

		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "nac:grant:"),
		},

		CoA: CoAConfig{
			Port:          getEnvInt("COA_PORT", 3799),
			DefaultSecret: getEnv("COA_SECRET", ""),
			Timeout:       getEnvDuration("COA_TIMEOUT", 3*time.Second),
			Mode:          strings.ToLower(getEnv("COA_MODE", "disconnect")),
		},

		WiFi: WiFiConfig{
			SSID:     getEnv("WIFI_SSID", ""),
			AuthType: getEnv("WIFI_AUTH_TYPE", "WPA2-EAP"),
		},

		Lifecycle: LifecycleConfig{
			DefaultSessionDuration: getEnvDuration("DEFAULT_SESSION_DURATION", 10*time.Minute),
			BackendTimeout:         getEnvDuration("BACKEND_TIMEOUT", 5*time.Second),
			BackendRetries:         getEnvInt("BACKEND_RETRIES", 3),
			RevokeRetryBase:        getEnvDuration("REVOKE_RETRY_BASE", time.Second),
			RevokeRetryMax:         getEnvDuration("REVOKE_RETRY_MAX", time.Minute),
		},

		RateLimit: RateLimitConfig{
			Enabled:                     getEnvBool("RATE_LIMIT_ENABLED", true),
			CreateRequestsPerMinute:     getEnvInt("RATE_LIMIT_CREATE_REQUESTS", 60),
			CreateWindowMinutes:         getEnvInt("RATE_LIMIT_CREATE_WINDOW_MINUTES", 1),
			DisconnectRequestsPerMinute: getEnvInt("RATE_LIMIT_DISCONNECT_REQUESTS", 30),
			DisconnectWindowMinutes:     getEnvInt("RATE_LIMIT_DISCONNECT_WINDOW_MINUTES", 1),
		},

		SecurityHeaders: SecurityHeadersConfig{
			Enabled:            getEnvBool("SECURITY_HEADERS_ENABLED", true),
			CSP:                getEnv("SECURITY_CSP", "default-src 'none'; frame-ancestors 'none'"),
			HSTSMaxAge:         getEnvInt("SECURITY_HSTS_MAX_AGE", 0),
			FrameOptions:       getEnv("SECURITY_FRAME_OPTIONS", "DENY"),
			ContentTypeOptions: getEnv("SECURITY_CONTENT_TYPE_OPTIONS", "nosniff"),
			XSSProtection:      getEnv("SECURITY_XSS_PROTECTION", "0"),
			ReferrerPolicy:     getEnv("SECURITY_REFERRER_POLICY", "no-referrer"),
			PermissionsPolicy:  getEnv("SECURITY_PERMISSIONS_POLICY", ""),
			CacheControl:       getEnv("SECURITY_CACHE_CONTROL", "no-store"),
		},
	}

	cfg.RadiusDB = RadiusDBConfig{
		Host:     getEnv("RADIUS_DB_HOST", cfg.DBHost),
		Port:     getEnvInt("RADIUS_DB_PORT", cfg.DBPort),
		User:     getEnv("RADIUS_DB_USER", cfg.DBUser),
		Password: getEnv("RADIUS_DB_PASSWORD", cfg.DBPassword),
		Name:     getEnv("RADIUS_DB_NAME", cfg.DBName),
		SSLMode:  getEnv("RADIUS_DB_SSLMODE", cfg.DBSSLMode),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required")
	}
	switch c.Directory.Backend {
	case "postgres", "bolt":
	default:
		return fmt.Errorf("DIRECTORY_BACKEND must be postgres or bolt, got %q", c.Directory.Backend)
	}
	switch c.Firewall.Backend {
	case "iptables", "redis", "memory":
	default:
		return fmt.Errorf("FIREWALL_BACKEND must be iptables, redis or memory, got %q", c.Firewall.Backend)
	}
	if c.Firewall.SSHHost != "" && c.Firewall.SSHKeyPath == "" {
		return fmt.Errorf("FIREWALL_SSH_KEY is required when FIREWALL_SSH_HOST is set")
	}
	switch c.CoA.Mode {
	case "disconnect", "coa":
	default:
		return fmt.Errorf("COA_MODE must be disconnect or coa, got %q", c.CoA.Mode)
	}
	if c.Lifecycle.BackendRetries < 1 {
		return fmt.Errorf("BACKEND_RETRIES must be at least 1")
	}
	return nil
}

// RadiusDBSeparate reports whether credentials live in a different database
// from the session directory.
func (c *Config) RadiusDBSeparate() bool {
	return c.RadiusDB.Host != c.DBHost ||
		c.RadiusDB.Port != c.DBPort ||
		c.RadiusDB.Name != c.DBName ||
		c.RadiusDB.User != c.DBUser
}

// HasWiFiQR returns true if onboarding QR codes can be rendered.
func (c *Config) HasWiFiQR() bool {
	return c.WiFi.SSID != ""
}

// UsesRemoteFirewall returns true if iptables runs over SSH.
func (c *Config) UsesRemoteFirewall() bool {
	return c.Firewall.Backend == "iptables" && c.Firewall.SSHHost != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
