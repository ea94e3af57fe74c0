package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petgourmet/storefront-api/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SYNC_INTERVAL", "")

	cfg := config.Load()

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("expected default sync interval, got %s", cfg.SyncInterval)
	}
	if cfg.MercadoPagoBaseURL != "https://api.mercadopago.com" {
		t.Errorf("unexpected mercadopago base url %s", cfg.MercadoPagoBaseURL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SITE_URL", "https://petgourmet.mx/")
	t.Setenv("ALLOWED_ORIGINS", "https://petgourmet.mx, https://admin.petgourmet.mx")
	t.Setenv("SYNC_INTERVAL", "0s")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg := config.Load()

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.WebhookURL() != "https://petgourmet.mx/api/mercadopago/webhook" {
		t.Errorf("unexpected webhook url %s", cfg.WebhookURL())
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.petgourmet.mx" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.SyncInterval != 0 {
		t.Errorf("expected sync disabled, got %s", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected fallback retries on bad input, got %d", cfg.MaxRetries)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LOG_LEVEL=debug\nSMTP_HOST=smtp.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SMTP_HOST", "")
	os.Unsetenv("SMTP_HOST")

	if err := config.LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SMTP_HOST") })

	if os.Getenv("LOG_LEVEL") != "warn" {
		t.Errorf("expected real env to win, got %s", os.Getenv("LOG_LEVEL"))
	}
	if os.Getenv("SMTP_HOST") != "smtp.example.com" {
		t.Errorf("expected value from .env, got %q", os.Getenv("SMTP_HOST"))
	}
}
