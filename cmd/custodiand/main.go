package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"

	"custodian/internal/config"
	"custodian/internal/domain"
	"custodian/internal/infra/auditmem"
	"custodian/internal/infra/db"
	"custodian/internal/infra/driver"
	"custodian/internal/infra/grantmem"
	httpinfra "custodian/internal/infra/http"
	"custodian/internal/infra/policyopa"
	"custodian/internal/infra/ratelimit"
	"custodian/internal/infra/sandbox"
	"custodian/internal/infra/statemem"
	"custodian/internal/infra/vault"
	"custodian/internal/infra/vaultmem"
	"custodian/internal/usecase"
)

func main() {
	cfg := config.FromEnv()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	store, err := db.NewStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	profile, limits, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("failed to load policy: %v", err)
	}
	if limits.Timeout <= 0 {
		limits.Timeout = cfg.DriverTimeout()
	}

	var (
		auditStore domain.AuditStore
		grants     usecase.GrantStore
		state      usecase.StateStore
		records    vault.RecordStore
	)
	if store.Available() {
		auditStore = db.NewAuditEntryRepository(store.DB)
		grants = db.NewGrantRepository(store.DB)
		state = db.NewGateStateRepository(store.DB)
		records = db.NewSecretRecordRepository(store.DB)
	} else {
		auditStore = auditmem.New()
		grants = grantmem.New()
		state = statemem.New()
		records = vaultmem.New()
	}

	vlt := vault.New(records, vault.Options{
		KDF: vault.KDFParams{
			Time:    uint32(cfg.ArgonTimeCost),
			Memory:  uint32(cfg.ArgonMemoryKiB),
			Threads: uint8(cfg.ArgonThreads),
		},
		AutoLock:     cfg.VaultAutoLock(),
		LockGrace:    cfg.VaultLockGrace(),
		MaxFailures:  cfg.UnlockMaxFailures,
		LockoutAfter: cfg.UnlockLockout(),
	})

	var limiter domain.RateLimiter
	if cfg.RedisAddr != "" {
		limiter, err = ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, nil)
		if err != nil {
			log.Fatalf("failed to init redis limiter: %v", err)
		}
	} else {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{MaxKeys: cfg.RateLimitMaxKeys})
	}

	ctx := context.Background()
	quarantine := usecase.NewQuarantine(state, logger)
	if err := quarantine.Load(ctx); err != nil {
		logger.Warn("quarantine state unavailable at startup", "error", err)
	}

	engine := usecase.NewPermissionEngine(grants, limiter, quarantine, nil)
	if cfg.OPABundlePath != "" {
		denyEngine, err := policyopa.NewEngineFromBundlePath(ctx, cfg.OPABundlePath, cfg.OPABundleID)
		if err != nil {
			log.Fatalf("failed to load policy bundle: %v", err)
		}
		hash, err := policyopa.ComputeBundleHashFromPath(cfg.OPABundlePath)
		if err != nil {
			log.Fatalf("failed to hash policy bundle: %v", err)
		}
		logger.Info("policy bundle loaded", "bundle_id", cfg.OPABundleID, "hash", hash)
		engine.WithDenyRules(denyEngine)
	}

	var drv domain.Driver
	if cfg.DriverURL != "" {
		drv, err = driver.NewHTTP(cfg.DriverURL)
		if err != nil {
			log.Fatalf("failed to init driver: %v", err)
		}
	} else {
		logger.Warn("DRIVER_URL not set; operations will be acknowledged without execution")
		drv = driver.NewStub()
	}

	auditLog := usecase.NewAuditLog(auditStore, nil)
	orch := usecase.NewOrchestrator(
		engine,
		vaultUnsealer{vlt},
		sandbox.New(drv),
		auditLog,
		grants,
		state,
		quarantine,
		profile,
		limits,
		usecase.Options{
			ConfirmationTimeout: cfg.ConfirmationTimeout(),
			ReadRetryCount:      cfg.ReadRetryCount,
			ReadRetryBackoff:    cfg.ReadRetryBackoff(),
			Logger:              logger,
		},
	)
	if err := orch.RestorePolicyLevel(ctx); err != nil {
		logger.Warn("persisted policy level unavailable", "error", err)
	}

	srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Orchestrator: orch,
		Audit:        auditLog,
		Vault:        vlt,
		DBAvailable:  store.Available(),
		Logger:       logger,
	})
	if err := srv.Run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

// vaultUnsealer narrows the vault to the orchestrator's unseal-only
// view.
type vaultUnsealer struct {
	vault *vault.Vault
}

func (u vaultUnsealer) Unseal(ctx context.Context, service string) (domain.SecretHandle, error) {
	lease, err := u.vault.Unseal(ctx, service)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
