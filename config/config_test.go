package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"carhunter/lifecycle"
)

func noEnv(string) string { return "" }

func TestLoadWithEnv_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	if cfg.Governance.OfferApprovalThreshold != want.Governance.OfferApprovalThreshold {
		t.Fatalf("expected default threshold %d, got %d", want.Governance.OfferApprovalThreshold, cfg.Governance.OfferApprovalThreshold)
	}
	if cfg.Negotiation.MaxExchanges != 6 || cfg.Negotiation.MaxOfferFraction != 0.95 {
		t.Fatalf("unexpected negotiation defaults: %+v", cfg.Negotiation)
	}
	if len(cfg.Governance.ActiveStatuses) != 3 {
		t.Fatalf("expected 3 default active statuses, got %v", cfg.Governance.ActiveStatuses)
	}
}

func TestLoadWithEnv_FileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carhunter.yaml")
	body := `
database_url: postgres://file
governance:
  enabled: true
  offer_approval_threshold: 12000
  max_auto_followups: 6
  active_statuses: [negotiating, offer_made]
  approval_ttl: 48h
negotiation:
  max_exchanges: 8
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := map[string]string{
		"CARHUNTER_GOVERNANCE_ENABLED":       "false",
		"CARHUNTER_PORTFOLIO_EXPOSURE_ALERT": "20000",
		"DATABASE_URL":                       "postgres://ignored-because-file-set",
	}
	cfg, err := LoadWithEnv(path, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DatabaseURL != "postgres://file" {
		t.Fatalf("expected file database url, got %q", cfg.DatabaseURL)
	}
	if cfg.Governance.Enabled {
		t.Fatal("expected env to disable governance")
	}
	if cfg.Governance.OfferApprovalThreshold != 12000 {
		t.Fatalf("expected threshold 12000, got %d", cfg.Governance.OfferApprovalThreshold)
	}
	if cfg.Governance.PortfolioExposureAlert != 20000 {
		t.Fatalf("expected env exposure alert 20000, got %d", cfg.Governance.PortfolioExposureAlert)
	}
	if cfg.Governance.ApprovalTTL != 48*time.Hour {
		t.Fatalf("expected ttl 48h, got %s", cfg.Governance.ApprovalTTL)
	}
	if got := cfg.Governance.ActiveStatuses; len(got) != 2 || got[1] != lifecycle.StatusOfferMade {
		t.Fatalf("unexpected active statuses %v", got)
	}
	if cfg.Negotiation.MaxExchanges != 8 {
		t.Fatalf("expected max exchanges 8, got %d", cfg.Negotiation.MaxExchanges)
	}
}

func TestLoadWithEnv_RejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad bool":       {"CARHUNTER_GOVERNANCE_ENABLED": "sometimes"},
		"bad fraction":   {"CARHUNTER_MAX_OFFER_FRACTION": "1.5"},
		"unknown status": {"CARHUNTER_ACTIVE_STATUSES": "negotiating,haggling"},
		"zero exchanges": {"CARHUNTER_MAX_EXCHANGES": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadWithEnv("", func(k string) string { return env[k] }); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
