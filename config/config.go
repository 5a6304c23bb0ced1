// Package config builds the single configuration value that is constructed
// once at startup and injected into every governance component.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"carhunter/lifecycle"
)

const envPrefix = "CARHUNTER_"

// Config models carhunter.yaml.
type Config struct {
	DatabaseURL string      `yaml:"database_url"`
	Governance  Governance  `yaml:"governance"`
	Negotiation Negotiation `yaml:"negotiation"`
	Review      Review      `yaml:"review"`
}

// Governance holds the checkpoint policy knobs.
type Governance struct {
	Enabled                 bool               `yaml:"enabled"`
	OfferApprovalThreshold  int64              `yaml:"offer_approval_threshold"`
	ViewingsRequireApproval bool               `yaml:"viewings_require_approval"`
	MaxAutoFollowups        int                `yaml:"max_auto_followups"`
	PortfolioExposureAlert  int64              `yaml:"portfolio_exposure_alert"`
	ActiveStatuses          []lifecycle.Status `yaml:"active_statuses"`
	// ApprovalTTL sets expires_at on new approval requests; zero disables expiry.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`
}

// Negotiation holds the auto-send gate defaults.
type Negotiation struct {
	MaxExchanges     int     `yaml:"max_exchanges"`
	MaxOfferFraction float64 `yaml:"max_offer_fraction"`
}

// Review configures signed approval links.
type Review struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// Default returns the configuration used when no file or env override is set.
func Default() Config {
	return Config{
		Governance: Governance{
			Enabled:                 true,
			OfferApprovalThreshold:  15000,
			ViewingsRequireApproval: true,
			MaxAutoFollowups:        3,
			PortfolioExposureAlert:  50000,
			ActiveStatuses:          DefaultActiveStatuses(),
			ApprovalTTL:             72 * time.Hour,
		},
		Negotiation: Negotiation{
			MaxExchanges:     6,
			MaxOfferFraction: 0.95,
		},
		Review: Review{
			TokenTTL: 24 * time.Hour,
		},
	}
}

// DefaultActiveStatuses is the status set counted towards portfolio exposure.
func DefaultActiveStatuses() []lifecycle.Status {
	return []lifecycle.Status{
		lifecycle.StatusNegotiating,
		lifecycle.StatusViewingScheduled,
		lifecycle.StatusOfferMade,
	}
}

// Load reads path (optional; a missing file keeps defaults) and applies
// CARHUNTER_* environment overrides.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no policy could sensibly run with.
func (c Config) Validate() error {
	g := c.Governance
	if g.OfferApprovalThreshold < 0 {
		return fmt.Errorf("config: offer_approval_threshold must be >= 0")
	}
	if g.MaxAutoFollowups < 0 {
		return fmt.Errorf("config: max_auto_followups must be >= 0")
	}
	if g.PortfolioExposureAlert < 0 {
		return fmt.Errorf("config: portfolio_exposure_alert must be >= 0")
	}
	if g.ApprovalTTL < 0 {
		return fmt.Errorf("config: approval_ttl must be >= 0")
	}
	for _, s := range g.ActiveStatuses {
		if !s.Valid() {
			return fmt.Errorf("config: unknown active status %q", s)
		}
	}
	n := c.Negotiation
	if n.MaxExchanges <= 0 {
		return fmt.Errorf("config: max_exchanges must be > 0")
	}
	if n.MaxOfferFraction <= 0 || n.MaxOfferFraction > 1 {
		return fmt.Errorf("config: max_offer_fraction must be in (0, 1]")
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	lookup := func(key string) string {
		return strings.TrimSpace(getenv(envPrefix + key))
	}

	if v := lookup("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	} else if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = v
	}

	var err error
	set := func(key string, apply func(string) error) {
		if err != nil {
			return
		}
		if v := lookup(key); v != "" {
			if applyErr := apply(v); applyErr != nil {
				err = fmt.Errorf("config: %s%s: %w", envPrefix, key, applyErr)
			}
		}
	}

	set("GOVERNANCE_ENABLED", func(v string) (e error) {
		cfg.Governance.Enabled, e = strconv.ParseBool(v)
		return
	})
	set("OFFER_APPROVAL_THRESHOLD", func(v string) (e error) {
		cfg.Governance.OfferApprovalThreshold, e = strconv.ParseInt(v, 10, 64)
		return
	})
	set("VIEWINGS_REQUIRE_APPROVAL", func(v string) (e error) {
		cfg.Governance.ViewingsRequireApproval, e = strconv.ParseBool(v)
		return
	})
	set("MAX_AUTO_FOLLOWUPS", func(v string) (e error) {
		cfg.Governance.MaxAutoFollowups, e = strconv.Atoi(v)
		return
	})
	set("PORTFOLIO_EXPOSURE_ALERT", func(v string) (e error) {
		cfg.Governance.PortfolioExposureAlert, e = strconv.ParseInt(v, 10, 64)
		return
	})
	set("ACTIVE_STATUSES", func(v string) error {
		var statuses []lifecycle.Status
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s, e := lifecycle.ParseStatus(part)
			if e != nil {
				return e
			}
			statuses = append(statuses, s)
		}
		cfg.Governance.ActiveStatuses = statuses
		return nil
	})
	set("APPROVAL_TTL", func(v string) (e error) {
		cfg.Governance.ApprovalTTL, e = time.ParseDuration(v)
		return
	})
	set("MAX_EXCHANGES", func(v string) (e error) {
		cfg.Negotiation.MaxExchanges, e = strconv.Atoi(v)
		return
	})
	set("MAX_OFFER_FRACTION", func(v string) (e error) {
		cfg.Negotiation.MaxOfferFraction, e = strconv.ParseFloat(v, 64)
		return
	})
	set("REVIEW_TOKEN_SECRET", func(v string) error {
		cfg.Review.TokenSecret = v
		return nil
	})
	set("REVIEW_TOKEN_TTL", func(v string) (e error) {
		cfg.Review.TokenTTL, e = time.ParseDuration(v)
		return
	})
	return err
}
