package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Requirement names a group of settings a process cannot start without.
type Requirement int

const (
	// RequireFlow needs both Flow keys.
	RequireFlow Requirement = iota
	// RequireCallbacks needs absolute public and API URLs for Flow redirects.
	RequireCallbacks
	// RequireCatalog needs the catalog-service base URL.
	RequireCatalog
)

// Validate checks the settings behind each requirement and reports every
// problem at once.
func (c Config) Validate(reqs ...Requirement) error {
	var errs []error
	if strings.TrimSpace(c.Service.Port) == "" {
		errs = append(errs, errors.New("service.port is required"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	if c.Shipping.FreeThreshold < 0 {
		errs = append(errs, errors.New("shipping.free_threshold must not be negative"))
	}
	if c.Contact.RatePerMinute < 0 || c.Contact.Burst < 0 {
		errs = append(errs, errors.New("contact.rate_per_minute and contact.burst must not be negative"))
	}
	for zone, amount := range c.Shipping.Zones {
		if amount < 0 {
			errs = append(errs, fmt.Errorf("shipping.zones.%s must not be negative", zone))
		}
	}

	for _, req := range reqs {
		switch req {
		case RequireFlow:
			if c.Flow.APIKey == "" {
				errs = append(errs, errors.New("flow.api_key (FLOW_API_KEY) is required"))
			}
			if c.Flow.SecretKey == "" {
				errs = append(errs, errors.New("flow.secret_key (FLOW_SECRET_KEY) is required"))
			}
			if _, err := absoluteURL(c.FlowBaseURL()); err != nil {
				errs = append(errs, fmt.Errorf("flow.base_url: %w", err))
			}
		case RequireCallbacks:
			if _, err := absoluteURL(c.Shop.PublicURL); err != nil {
				errs = append(errs, fmt.Errorf("shop.public_url: %w", err))
			}
			if _, err := absoluteURL(c.Shop.APIURL); err != nil {
				errs = append(errs, fmt.Errorf("shop.api_url: %w", err))
			}
		case RequireCatalog:
			if _, err := absoluteURL(c.Shop.CatalogURL); err != nil {
				errs = append(errs, fmt.Errorf("shop.catalog_url: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func absoluteURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}
