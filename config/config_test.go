package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"workchain/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != DefaultChainID || cfg.Escrow.ReviewerCount != 5 || cfg.Escrow.NormalFeeBps != 1_000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.BlockIntervalDuration() != time.Second {
		t.Fatalf("unexpected block interval %s", reloaded.BlockIntervalDuration())
	}
}

func TestLoadParsesEscrowAndGenesis(t *testing.T) {
	client := crypto.FormatAddress([20]byte{0x01})
	path := writeConfig(t, `
ChainID = 99
BlockInterval = "250ms"

[Escrow]
ReviewerCount = 7
DefaultMinVotes = 4
NormalFeeBps = 500

[Genesis]
Time = "2026-01-01T00:00:00Z"

[Genesis.Alloc]
"`+client+`" = "1000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 99 || cfg.BlockIntervalDuration() != 250*time.Millisecond {
		t.Fatalf("unexpected chain settings: %+v", cfg)
	}
	if cfg.Escrow.ReviewerCount != 7 || cfg.Escrow.DefaultMinVotes != 4 || cfg.Escrow.NormalFeeBps != 500 {
		t.Fatalf("escrow section not applied: %+v", cfg.Escrow)
	}
	if cfg.Escrow.DisputePlatformFeeBps != 700 || cfg.Escrow.Currency != "WORK" {
		t.Fatalf("unset escrow fields must keep defaults: %+v", cfg.Escrow)
	}
	if cfg.Genesis.Alloc[client] != "1000" {
		t.Fatalf("genesis alloc not parsed: %+v", cfg.Genesis)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "Bogus = 1\n",
		"min votes":     "[Escrow]\nReviewerCount = 3\nDefaultMinVotes = 4\n",
		"interval":      "BlockInterval = \"soon\"\n",
		"alloc address": "[Genesis.Alloc]\n\"zz1qqqq\" = \"5\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	_, err := Load(writeConfig(t, "Bogus = 1\n"))
	if err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Fatalf("expected unknown key to be named, got %v", err)
	}
}
