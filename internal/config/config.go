package config

import (
	"time"
)

const (
	FlowProductionURL = "https://www.flow.cl/api"
	FlowSandboxURL    = "https://sandbox.flow.cl/api"
)

// ServiceSection identifies the running process.
type ServiceSection struct {
	Port   string `yaml:"port"`
	Module string `yaml:"module"`
}

// DatabaseSection holds Postgres connection settings. URL wins over the
// discrete host fields when both are set.
type DatabaseSection struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdle     time.Duration `yaml:"conn_max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type CacheSection struct {
	TTL time.Duration `yaml:"ttl"`
}

// FlowSection configures the Flow payment gateway client.
type FlowSection struct {
	APIKey        string        `yaml:"api_key"`
	SecretKey     string        `yaml:"secret_key"`
	BaseURL       string        `yaml:"base_url"`
	Sandbox       bool          `yaml:"sandbox"`
	PaymentMethod int           `yaml:"payment_method"`
	Timeout       time.Duration `yaml:"timeout"`
}

// EmailSection configures Resend delivery. An empty ResendAPIKey disables
// delivery and emails are only logged.
type EmailSection struct {
	ResendAPIKey string `yaml:"resend_api_key"`
	From         string `yaml:"from"`
	Owner        string `yaml:"owner"`
}

// ShopSection holds the public-facing URLs and the admin credential.
type ShopSection struct {
	// PublicURL is where the storefront SPA is served. Browsers are sent back
	// here after paying.
	PublicURL string `yaml:"public_url"`
	// APIURL is the externally reachable base of checkout-service, used to
	// build the Flow confirmation and return callbacks.
	APIURL      string `yaml:"api_url"`
	AdminToken  string `yaml:"admin_token"`
	CatalogURL  string `yaml:"catalog_url"`
	CatalogSeed string `yaml:"catalog_seed"`
}

type ShippingSection struct {
	FreeThreshold int64            `yaml:"free_threshold"`
	Zones         map[string]int64 `yaml:"zones"`
}

// ContactSection throttles the public contact form per client address.
type ContactSection struct {
	RatePerMinute int `yaml:"rate_per_minute"`
	Burst         int `yaml:"burst"`
}

type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full configuration shared by every FestiBox process. Each
// binary reads the sections it needs.
type Config struct {
	Version int `yaml:"version,omitempty"`

	Service  ServiceSection  `yaml:"service"`
	Database DatabaseSection `yaml:"database"`
	Cache    CacheSection    `yaml:"cache"`
	Flow     FlowSection     `yaml:"flow"`
	Email    EmailSection    `yaml:"email"`
	Shop     ShopSection     `yaml:"shop"`
	Shipping ShippingSection `yaml:"shipping"`
	Contact  ContactSection  `yaml:"contact"`
	Log      LogSection      `yaml:"log"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Service: ServiceSection{Port: "8080", Module: "FestiBox"},
		Database: DatabaseSection{
			Port:            "5432",
			User:            "postgres",
			Password:        "postgres",
			Name:            "festibox",
			SSLMode:         "disable",
			MaxOpenConns:    60,
			MaxIdleConns:    20,
			ConnMaxIdle:     5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheSection{TTL: 45 * time.Second},
		Flow: FlowSection{
			PaymentMethod: 9,
			Timeout:       30 * time.Second,
		},
		Email: EmailSection{From: "FestiBox <pedidos@festibox.cl>"},
		Shop: ShopSection{
			PublicURL:  "http://localhost:5173",
			APIURL:     "http://localhost:8080",
			CatalogURL: "http://localhost:8081",
		},
		Shipping: ShippingSection{FreeThreshold: 50000},
		Contact:  ContactSection{RatePerMinute: 5, Burst: 3},
		Log:      LogSection{Level: "info", Format: "json"},
	}
}

// FlowBaseURL resolves the gateway endpoint, honouring the sandbox switch
// when no explicit URL is configured.
func (c Config) FlowBaseURL() string {
	if c.Flow.BaseURL != "" {
		return c.Flow.BaseURL
	}
	if c.Flow.Sandbox {
		return FlowSandboxURL
	}
	return FlowProductionURL
}
