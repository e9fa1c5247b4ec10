// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package cliparse handles command-line argument parsing and configuration.

# Configuration

ParseFlags returns a Config struct with all settings:

	if err := cliparse.LoadDotEnv(".env"); err != nil {
		log.Fatal(err)
	}
	cfg, err := cliparse.ParseFlags(os.Args[2:])

# Config Fields

  - Port: Server listen port (default: 3318)
  - DatabaseURL: connection string (default: file:escrutinio.db for sqlite)
  - DatabaseType: sqlite (default) or postgres
  - AdminKeySalt: Secret for admin key HMAC (required)
  - CountID: identifier of the count the admin key is bound to
  - CatalogPath: reference catalog YAML (default: configs/catalog.yaml)
  - NATSURL: NATS server for change notifications (optional)
  - ShareBase: total or valid, the base of candidate percentages
  - RelayInterval: how often pending deltas are retried (default: 15s)

# Environment Variables

Flags fall back to environment variables:

	PORT           → -p
	DATABASE_URL   → -d
	DATABASE_TYPE  → -t
	ADMIN_KEY_SALT → --admin-salt
	COUNT_ID       → --count
	CATALOG_PATH   → --catalog
	NATS_URL       → --nats-url
	SHARE_BASE     → --share-base
	RELAY_INTERVAL → --relay-interval

CLI flags take precedence over environment variables, which take
precedence over values from .env.

# Validation

ParseFlags returns an error if:

  - ADMIN_KEY_SALT is missing
  - DATABASE_TYPE is postgres and no DATABASE_URL is given
  - SHARE_BASE, PORT or RELAY_INTERVAL cannot be parsed
*/
package cliparse
