package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("BATTLE_AGENT_CONFIG_FILE", "")
	t.Setenv("BATTLE_AGENT_ENV_FILE", "")
	t.Setenv("BATTLE_AGENT_JWT_SECRET", "")
	t.Chdir(t.TempDir())
	if _, err := Load(); err == nil {
		t.Fatal("expected error without jwt secret")
	}
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "agent.yaml")
	yml := []byte("pool:\n  port_start: 40000\n  port_end: 40010\nstorage:\n  driver: sqlite\n")
	if err := os.WriteFile(file, yml, 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("BATTLE_AGENT_CONFIG_FILE", file)
	t.Setenv("BATTLE_AGENT_ENV_FILE", "")
	t.Setenv("BATTLE_AGENT_JWT_SECRET", "s3cret")
	t.Setenv("BATTLE_AGENT_WG_PORT_END", "40020")
	t.Chdir(dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.PortStart != 40000 || cfg.Pool.PortEnd != 40020 {
		t.Fatalf("unexpected port range %d-%d", cfg.Pool.PortStart, cfg.Pool.PortEnd)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %s", cfg.Storage.Driver)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "agent.env")
	if err := os.WriteFile(envFile, []byte("BATTLE_AGENT_JWT_SECRET=from-dotenv\nBATTLE_AGENT_SERVER_ID=node-7\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("BATTLE_AGENT_CONFIG_FILE", "")
	t.Setenv("BATTLE_AGENT_ENV_FILE", envFile)
	t.Setenv("BATTLE_AGENT_JWT_SECRET", "")
	t.Setenv("BATTLE_AGENT_SERVER_ID", "")
	os.Unsetenv("BATTLE_AGENT_JWT_SECRET")
	os.Unsetenv("BATTLE_AGENT_SERVER_ID")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.JWTSecret != "from-dotenv" || cfg.Session.ServerID != "node-7" {
		t.Fatalf("dotenv values not applied: %+v %+v", cfg.Identity, cfg.Session)
	}
}

func TestValidateRejectsBadPool(t *testing.T) {
	cfg := Default()
	cfg.Identity.JWTSecret = "x"
	cfg.Pool.SubnetPrefixLen = 8
	if err := validate(cfg); err == nil {
		t.Fatal("expected prefix length error")
	}
	cfg = Default()
	cfg.Identity.JWTSecret = "x"
	cfg.Pool.PortStart, cfg.Pool.PortEnd = 50000, 40000
	if err := validate(cfg); err == nil {
		t.Fatal("expected port range error")
	}
}
