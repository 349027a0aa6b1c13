package config

import (
	"testing"
	"time"
)

func clearConsensusEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONSENSUS_MODE", "CONSENSUS_REMOTE_ADDR", "CONSENSUS_CALLBACK_ADDR",
		"SIGNING_KEY_PATH", "DATABASE_REQUIRED", "DATABASE_URL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearConsensusEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConsensusMode != "devmode" {
		t.Errorf("ConsensusMode = %q, want devmode", cfg.ConsensusMode)
	}
	if cfg.MempoolTTL != 10*time.Minute {
		t.Errorf("MempoolTTL = %v, want 10m", cfg.MempoolTTL)
	}
	if cfg.MempoolHighWaterMark != 10000 {
		t.Errorf("MempoolHighWaterMark = %d, want 10000", cfg.MempoolHighWaterMark)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", cfg.HeartbeatInterval)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearConsensusEnv(t)
	t.Setenv("CONSENSUS_MODE", "remote")
	t.Setenv("CONSENSUS_REMOTE_ADDR", "127.0.0.1:7100")
	t.Setenv("CONSENSUS_CALLBACK_ADDR", "127.0.0.1:7101")
	t.Setenv("MEMPOOL_TTL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConsensusMode != "remote" {
		t.Errorf("ConsensusMode = %q, want remote", cfg.ConsensusMode)
	}
	if cfg.ConsensusRemoteAddr != "127.0.0.1:7100" {
		t.Errorf("ConsensusRemoteAddr = %q", cfg.ConsensusRemoteAddr)
	}
	if cfg.ConsensusCallbackAddr != "127.0.0.1:7101" {
		t.Errorf("ConsensusCallbackAddr = %q", cfg.ConsensusCallbackAddr)
	}
	if cfg.MempoolTTL != time.Minute {
		t.Errorf("MempoolTTL = %v, want 1m", cfg.MempoolTTL)
	}
}

func TestValidateRequiresSigningKeyPath(t *testing.T) {
	clearConsensusEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail with no SIGNING_KEY_PATH")
	}
}

func TestValidateRemoteModeRequiresAddrs(t *testing.T) {
	clearConsensusEnv(t)
	t.Setenv("SIGNING_KEY_PATH", "/tmp/key.hex")
	t.Setenv("CONSENSUS_MODE", "remote")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected Validate to fail with remote mode but no addrs")
	}

	t.Setenv("CONSENSUS_REMOTE_ADDR", "127.0.0.1:7100")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to still fail with no CONSENSUS_CALLBACK_ADDR")
	}

	t.Setenv("CONSENSUS_CALLBACK_ADDR", "127.0.0.1:7101")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownConsensusMode(t *testing.T) {
	clearConsensusEnv(t)
	t.Setenv("SIGNING_KEY_PATH", "/tmp/key.hex")
	t.Setenv("CONSENSUS_MODE", "quantum")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an unknown consensus mode")
	}
}

func TestValidateRequiresDatabaseURLWhenRequired(t *testing.T) {
	clearConsensusEnv(t)
	t.Setenv("SIGNING_KEY_PATH", "/tmp/key.hex")
	t.Setenv("DATABASE_REQUIRED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail with DATABASE_REQUIRED but no DATABASE_URL")
	}
}
