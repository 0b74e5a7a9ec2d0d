package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable that points at an optional YAML file.
const EnvConfigPath = "FESTIBOX_CONFIG"

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg, os.LookupEnv)
	return cfg, nil
}

// FromEnv loads the file named by FESTIBOX_CONFIG, if any, plus env overrides.
func FromEnv() (Config, error) {
	return Load(strings.TrimSpace(os.Getenv(EnvConfigPath)))
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	num64 := func(key string, dst *int64) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = d
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	str("PORT", &cfg.Service.Port)
	str("MODULE_NAME", &cfg.Service.Module)

	str("DATABASE_URL", &cfg.Database.URL)
	str("DB_HOST", &cfg.Database.Host)
	str("DB_PORT", &cfg.Database.Port)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASSWORD", &cfg.Database.Password)
	str("DB_NAME", &cfg.Database.Name)
	str("DB_SSLMODE", &cfg.Database.SSLMode)
	num("DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	num("DB_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	dur("DB_CONN_MAX_IDLE", &cfg.Database.ConnMaxIdle)
	dur("DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)

	dur("CACHE_TTL", &cfg.Cache.TTL)

	str("FLOW_API_KEY", &cfg.Flow.APIKey)
	str("FLOW_SECRET_KEY", &cfg.Flow.SecretKey)
	str("FLOW_BASE_URL", &cfg.Flow.BaseURL)
	flag("FLOW_SANDBOX", &cfg.Flow.Sandbox)
	num("FLOW_PAYMENT_METHOD", &cfg.Flow.PaymentMethod)
	dur("FLOW_TIMEOUT", &cfg.Flow.Timeout)

	str("RESEND_API_KEY", &cfg.Email.ResendAPIKey)
	str("EMAIL_FROM", &cfg.Email.From)
	str("EMAIL_OWNER", &cfg.Email.Owner)

	str("SHOP_PUBLIC_URL", &cfg.Shop.PublicURL)
	str("SHOP_API_URL", &cfg.Shop.APIURL)
	str("ADMIN_TOKEN", &cfg.Shop.AdminToken)
	str("CATALOG_URL", &cfg.Shop.CatalogURL)
	str("CATALOG_SEED", &cfg.Shop.CatalogSeed)

	num64("SHIPPING_FREE_THRESHOLD", &cfg.Shipping.FreeThreshold)

	num("CONTACT_RATE_PER_MINUTE", &cfg.Contact.RatePerMinute)
	num("CONTACT_BURST", &cfg.Contact.Burst)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	cfg.Shop.PublicURL = strings.TrimRight(cfg.Shop.PublicURL, "/")
	cfg.Shop.APIURL = strings.TrimRight(cfg.Shop.APIURL, "/")
	cfg.Shop.CatalogURL = strings.TrimRight(cfg.Shop.CatalogURL, "/")
}
