package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/phivault/internal/api"
	"github.com/org/phivault/internal/archive"
	"github.com/org/phivault/internal/audit"
	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/jobs"
	"github.com/org/phivault/internal/retention"
	"github.com/org/phivault/internal/rotation"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
)

type rotationPolicyConfig struct {
	KeyType               string `yaml:"key_type"`
	MaxAgeDays            int    `yaml:"max_age_days"`
	WarningThresholdDays  []int  `yaml:"warning_threshold_days"`
	CriticalThresholdDays int    `yaml:"critical_threshold_days"`
}

type config struct {
	ListenAddr    string `yaml:"listen_addr"`
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	LogLevel      string `yaml:"log_level"`

	AuditFallbackPath string `yaml:"audit_fallback_path"`

	RetentionYears    int                    `yaml:"retention_years"`
	ArchiveBeforeWipe *bool                  `yaml:"archive_before_delete"`
	ArchiveDir        string                 `yaml:"archive_dir"`
	ArchiveS3Bucket   string                 `yaml:"archive_s3_bucket"`
	ArchiveS3Prefix   string                 `yaml:"archive_s3_prefix"`
	RetentionInterval string                 `yaml:"retention_interval"`
	RotationInterval  string                 `yaml:"rotation_check_interval"`
	RotationPolicies  []rotationPolicyConfig `yaml:"rotation_policies"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// .env is optional; real deployments inject env vars directly.
	_ = godotenv.Load()

	cfgFile := "config.yaml"
	if v := os.Getenv("PHIVAULT_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:        ":8300",
		MigrationsDir:     "migrations",
		LogLevel:          "info",
		AuditFallbackPath: "audit-fallback.log",
		RetentionYears:    7,
		ArchiveDir:        "archives",
		RetentionInterval: "168h",
		RotationInterval:  "24h",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("PHIVAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}

	serviceToken := os.Getenv("PHIVAULT_SERVICE_TOKEN")
	if serviceToken == "" {
		log.Fatal().Msg("PHIVAULT_SERVICE_TOKEN must be set")
	}

	// The master key never touches the config file.
	engine := crypto.NewEngine(crypto.HexKeySource(os.Getenv("PHI_MASTER_KEY")))
	if err := engine.Ready(); err != nil {
		log.Fatal().Err(err).Msg("master key unusable, refusing to start")
	}

	ctx := context.Background()

	store, err := storage.NewPostgresStore(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	retentionPolicy := models.RetentionPolicy{
		RetentionYears:      cfg.RetentionYears,
		ArchiveBeforeDelete: cfg.ArchiveBeforeWipe == nil || *cfg.ArchiveBeforeWipe,
		ArchiveDestination:  cfg.ArchiveDir,
	}
	if cfg.ArchiveS3Bucket != "" {
		retentionPolicy.ArchiveDestination = "s3://" + cfg.ArchiveS3Bucket + "/" + cfg.ArchiveS3Prefix
	}
	if err := retention.ValidatePolicy(retentionPolicy); err != nil {
		log.Fatal().Err(err).Msg("invalid retention policy")
	}

	fallback := audit.NewFallbackWriter(cfg.AuditFallbackPath)
	recorder, err := audit.NewRecorder(ctx, store, fallback, retentionPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to recover audit chain tip")
	}

	monitor := rotation.NewMonitor(store, rotationPolicies(cfg), rotation.LogAlerter{})

	var sink archive.Sink
	if cfg.ArchiveS3Bucket != "" {
		sink, err = archive.NewS3Sink(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure S3 archive sink")
		}
	} else {
		sink, err = archive.NewFileSink(cfg.ArchiveDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure archive directory")
		}
	}
	enforcer := retention.NewEnforcer(store, sink)

	srv := api.NewServer(engine, recorder, monitor, enforcer, store, retentionPolicy, api.Config{
		ListenAddr:   cfg.ListenAddr,
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
		ServiceToken: serviceToken,
	})

	runner := jobs.NewRunner(
		jobs.Job{
			Name:     "rotation-check",
			Interval: parseInterval(cfg.RotationInterval, 24*time.Hour),
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				monitor.CheckAll(ctx)
				return nil
			},
		},
		jobs.Job{
			Name:     "retention-enforce",
			Interval: parseInterval(cfg.RetentionInterval, 7*24*time.Hour),
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := enforcer.Enforce(ctx, retentionPolicy)
				return err
			},
		},
	)
	runner.Start()
	defer runner.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func rotationPolicies(cfg config) []models.KeyRotationPolicy {
	if len(cfg.RotationPolicies) == 0 {
		return models.DefaultRotationPolicies()
	}
	policies := make([]models.KeyRotationPolicy, 0, len(cfg.RotationPolicies))
	for _, p := range cfg.RotationPolicies {
		policies = append(policies, models.KeyRotationPolicy{
			KeyType:               p.KeyType,
			MaxAgeDays:            p.MaxAgeDays,
			WarningThresholdDays:  p.WarningThresholdDays,
			CriticalThresholdDays: p.CriticalThresholdDays,
		})
	}
	return policies
}

func parseInterval(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
