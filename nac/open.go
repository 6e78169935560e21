package nac

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/mini-nac/internal/config"
	"github.com/tendant/mini-nac/internal/retry"
	"github.com/tendant/mini-nac/pkg/coa"
	"github.com/tendant/mini-nac/pkg/firewall"
	"github.com/tendant/mini-nac/pkg/guest"
	"github.com/tendant/mini-nac/pkg/repository"
	"github.com/tendant/mini-nac/pkg/wifiqr"
)

// Open builds a NAC from environment configuration, connecting every backend
// it selects. The returned NAC owns those connections; Close releases them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (n *NAC, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	var (
		directory guest.Directory
		dirDB     *sql.DB
	)
	switch cfg.Directory.Backend {
	case "bolt":
		repo, err := repository.OpenBoltGuestSessions(cfg.Directory.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("opening session directory: %w", err)
		}
		closers = append(closers, repo)
		directory = repo
		logger.Info("session directory: bolt", "path", cfg.Directory.BoltPath)
	default:
		db, err := repository.NewDB(repository.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			DBName:   cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to session database: %w", err)
		}
		closers = append(closers, db)
		if err := validateSchema(ctx, db, guestTables); err != nil {
			return nil, err
		}
		dirDB = db
		directory = repository.NewGuestSessionsRepository(db)
		logger.Info("session directory: postgres", "host", cfg.DBHost, "db", cfg.DBName)
	}

	radiusDB := dirDB
	if radiusDB == nil || cfg.RadiusDBSeparate() {
		radiusDB, err = repository.NewDB(repository.Config{
			Host:     cfg.RadiusDB.Host,
			Port:     cfg.RadiusDB.Port,
			User:     cfg.RadiusDB.User,
			Password: cfg.RadiusDB.Password,
			DBName:   cfg.RadiusDB.Name,
			SSLMode:  cfg.RadiusDB.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to radius database: %w", err)
		}
		closers = append(closers, radiusDB)
	}
	if err := validateSchema(ctx, radiusDB, radiusTables); err != nil {
		return nil, err
	}
	credentials := repository.NewRadiusRepository(radiusDB)

	rules, ruleClosers, err := openRuleTable(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, ruleClosers...)

	var wifi *wifiqr.Network
	if cfg.HasWiFiQR() {
		wifi = &wifiqr.Network{SSID: cfg.WiFi.SSID, AuthType: cfg.WiFi.AuthType}
	}

	n, err = New(Config{
		Directory:       directory,
		Credentials:     credentials,
		Firewall:        firewall.NewGateway(rules, logger),
		Disconnect:      coa.NewClient(coaConfig(cfg.CoA), logger),
		Accounting:      credentials,
		AdminJWTSecret:  cfg.AdminJWTSecret,
		AdminJWTIssuer:  cfg.AdminJWTIssuer,
		Lifecycle:       lifecycleConfig(cfg.Lifecycle),
		WiFi:            wifi,
		RateLimit:       cfg.RateLimit,
		SecurityHeaders: cfg.SecurityHeaders,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		TrustProxies:    cfg.TrustedProxies,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	n.closers = closers
	return n, nil
}

// openRuleTable selects the firewall backend.
func openRuleTable(ctx context.Context, cfg *config.Config, logger *slog.Logger) (firewall.RuleTable, []io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Firewall.Backend {
	case "memory":
		logger.Warn("firewall: in-memory rule table, no traffic is filtered")
		return firewall.NewMemoryRuleTable(), nil, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		table := firewall.NewRedisRuleTable(rdb, cfg.Redis.KeyPrefix)
		if err := table.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("firewall: redis rule table", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.KeyPrefix)
		return table, []io.Closer{rdb}, nil

	default:
		if cfg.UsesRemoteFirewall() {
			runner, err := firewall.NewSSHRunner(firewall.SSHConfig{
				Addr:           net.JoinHostPort(cfg.Firewall.SSHHost, strconv.Itoa(cfg.Firewall.SSHPort)),
				User:           cfg.Firewall.SSHUser,
				KeyPath:        cfg.Firewall.SSHKeyPath,
				KnownHostsPath: cfg.Firewall.SSHKnownHostsPath,
				Sudo:           cfg.Firewall.Sudo,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("configuring ssh firewall runner: %w", err)
			}
			if cfg.Firewall.SSHKnownHostsPath == "" {
				logger.Warn("firewall: ssh host key is not verified, set FIREWALL_SSH_KNOWN_HOSTS")
			}
			logger.Info("firewall: iptables over ssh", "host", cfg.Firewall.SSHHost, "chain", cfg.Firewall.Chain)
			return firewall.NewIPTables(runner, cfg.Firewall.Chain, cfg.Firewall.Wait), []io.Closer{runner}, nil
		}
		logger.Info("firewall: local iptables", "chain", cfg.Firewall.Chain)
		return firewall.NewIPTables(firewall.LocalRunner{Sudo: cfg.Firewall.Sudo}, cfg.Firewall.Chain, cfg.Firewall.Wait), nil, nil
	}
}

func coaConfig(c config.CoAConfig) coa.Config {
	return coa.Config{
		Port:          c.Port,
		DefaultSecret: c.DefaultSecret,
		Timeout:       c.Timeout,
		Mode:          coa.Mode(c.Mode),
	}
}

func lifecycleConfig(c config.LifecycleConfig) guest.Config {
	backend := retry.DefaultPolicy
	if c.BackendRetries > 0 {
		backend.Attempts = c.BackendRetries
	}
	if c.BackendTimeout > 0 {
		backend.Timeout = c.BackendTimeout
	}
	return guest.Config{
		DefaultSessionDuration: c.DefaultSessionDuration,
		Backend:                backend,
		Scheduler: guest.SchedulerConfig{
			RetryBase: c.RevokeRetryBase,
			RetryMax:  c.RevokeRetryMax,
		},
	}
}

var (
	guestTables  = []string{"guest_sessions"}
	radiusTables = []string{"radcheck", "radreply", "radacct"}
)

// validateSchema checks that required database tables exist.
func validateSchema(ctx context.Context, db *sql.DB, tables []string) error {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	`

	for _, table := range tables {
		var name string
		err := db.QueryRowContext(ctx, query, table).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("nac: missing table '%s' - run `mini-nac migrate` first", table)
		}
		if err != nil {
			return fmt.Errorf("nac: failed to check schema: %w", err)
		}
	}

	return nil
}
