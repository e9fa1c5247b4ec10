// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package cliparse

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/danielhkuo/escrutinio/readmodel"
)

const (
	defaultPort          = 3318
	defaultSQLiteURL     = "file:escrutinio.db"
	defaultCountID       = "pueblo-nuevo"
	defaultCatalogPath   = "configs/catalog.yaml"
	defaultRelayInterval = 15 * time.Second
)

type Config struct {
	Port          int
	DatabaseURL   string
	DatabaseType  string
	AdminKeySalt  string
	CountID       string
	CatalogPath   string
	NATSURL       string
	ShareBase     string
	RelayInterval time.Duration
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ParseFlags parses args, falling back to environment variables for
// anything not given on the command line
func ParseFlags(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("escrutinio", flag.ContinueOnError)

	// Network config (can be CLI args or env)
	fs.IntVar(&cfg.Port, "p", 0, "Server port")
	fs.StringVar(&cfg.DatabaseURL, "d", "", "Database URL")
	fs.StringVar(&cfg.DatabaseType, "t", "", "Database type (sqlite or postgres)")
	fs.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL (in-process bus when empty)")

	// Count setup
	fs.StringVar(&cfg.CountID, "count", "", "Count identifier")
	fs.StringVar(&cfg.CatalogPath, "catalog", "", "Path to the catalog YAML file")
	fs.StringVar(&cfg.ShareBase, "share-base", "", "Candidate share base (total or valid)")
	fs.DurationVar(&cfg.RelayInterval, "relay-interval", 0, "Pending delta relay interval")

	// Secrets (prefer env variables, but allow CLI for dev)
	fs.StringVar(&cfg.AdminKeySalt, "admin-salt", "", "Admin key salt (prefer env)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// Fall back to environment variables
	if cfg.Port == 0 {
		if portStr := os.Getenv("PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return Config{}, errors.New("invalid PORT env variable")
			}
			cfg.Port = port
		} else {
			cfg.Port = defaultPort
		}
	}

	if cfg.DatabaseType == "" {
		cfg.DatabaseType = os.Getenv("DATABASE_TYPE")
		if cfg.DatabaseType == "" {
			cfg.DatabaseType = "sqlite"
		}
	}
	if cfg.DatabaseType != "sqlite" && cfg.DatabaseType != "postgres" {
		return Config{}, fmt.Errorf("unsupported database type %q", cfg.DatabaseType)
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		if cfg.DatabaseType == "postgres" {
			return Config{}, errors.New("database URL required (use -d or DATABASE_URL env)")
		}
		cfg.DatabaseURL = defaultSQLiteURL
	}

	if cfg.NATSURL == "" {
		cfg.NATSURL = os.Getenv("NATS_URL")
	}

	if cfg.CountID == "" {
		cfg.CountID = envOr("COUNT_ID", defaultCountID)
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = envOr("CATALOG_PATH", defaultCatalogPath)
	}

	if cfg.ShareBase == "" {
		cfg.ShareBase = envOr("SHARE_BASE", readmodel.ShareBaseTotal)
	}
	if cfg.ShareBase != readmodel.ShareBaseTotal && cfg.ShareBase != readmodel.ShareBaseValid {
		return Config{}, fmt.Errorf("invalid share base %q (want total or valid)", cfg.ShareBase)
	}

	if cfg.RelayInterval == 0 {
		if s := os.Getenv("RELAY_INTERVAL"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return Config{}, errors.New("invalid RELAY_INTERVAL env variable")
			}
			cfg.RelayInterval = d
		} else {
			cfg.RelayInterval = defaultRelayInterval
		}
	}
	if cfg.RelayInterval < 0 {
		return Config{}, errors.New("relay interval must be positive")
	}

	// Secrets - MUST be provided
	if cfg.AdminKeySalt == "" {
		cfg.AdminKeySalt = os.Getenv("ADMIN_KEY_SALT")
	}
	if cfg.AdminKeySalt == "" {
		return Config{}, errors.New("ADMIN_KEY_SALT required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
