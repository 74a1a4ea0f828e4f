package vault

import (
	"context"
	"testing"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/execution"
)

func TestDisabledClientRequiresStore(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.IsEnabled() {
		t.Fatal("disabled config should not report enabled")
	}

	if _, err := c.Credentials(context.Background()); err == nil {
		t.Fatal("expected error before credentials are stored")
	}

	want := execution.Credentials{APIKey: "k", SecretKey: "s"}
	if err := c.Store(context.Background(), want); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := c.Credentials(context.Background())
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestClearCache(t *testing.T) {
	c, _ := NewClient(config.VaultConfig{Enabled: false})
	_ = c.Store(context.Background(), execution.Credentials{APIKey: "k", SecretKey: "s"})
	c.ClearCache()
	if _, err := c.Credentials(context.Background()); err == nil {
		t.Fatal("expected error after cache clear with vault disabled")
	}
}

func TestDisabledHealthAlwaysOK(t *testing.T) {
	c, _ := NewClient(config.VaultConfig{Enabled: false})
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
