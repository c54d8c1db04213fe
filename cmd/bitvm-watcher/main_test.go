package main

import (
	"flag"
	"path/filepath"
	"testing"
	"time"

	"bitvm.dev/prover/taproot"
	"bitvm.dev/prover/watcher"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := watcher.DefaultConfig()
	if err := parseConfig(fs, &cfg, nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Network != "regtest" {
		t.Fatalf("network %q", cfg.Network)
	}
	if cfg.CommitmentSource != taproot.CommitmentAuto {
		t.Fatalf("commitment source %q", cfg.CommitmentSource)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := watcher.DefaultConfig()
	storeDir := filepath.Join(t.TempDir(), "blocks")
	err := parseConfig(fs, &cfg, []string{
		"-network", "simnet",
		"-store", storeDir,
		"-poll-interval", "250ms",
		"-fee", "1500",
		"-commitment-source", "chain",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Network != "simnet" || cfg.StoreRoot != storeDir {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval %v", cfg.PollInterval)
	}
	if cfg.FeeSats != 1500 {
		t.Fatalf("fee %d", cfg.FeeSats)
	}
	if cfg.CommitmentSource != taproot.CommitmentChain {
		t.Fatalf("commitment source %q", cfg.CommitmentSource)
	}
}

func TestParseConfigRejectsBadSource(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := watcher.DefaultConfig()
	if err := parseConfig(fs, &cfg, []string{"-commitment-source", "dns"}); err == nil {
		t.Fatalf("invalid commitment source accepted")
	}
}

func TestParsePubKeyRejectsGarbage(t *testing.T) {
	if _, err := parsePubKey("zz", "test"); err == nil {
		t.Fatalf("non-hex pubkey accepted")
	}
	if _, err := parsePubKey("02abcd", "test"); err == nil {
		t.Fatalf("truncated pubkey accepted")
	}
}
