package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Auth          AuthConfig      `yaml:"auth"`
	Identity      IdentityConfig  `yaml:"identity"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Runtime       RuntimeConfig   `yaml:"runtime"`
	Pool          PoolConfig      `yaml:"pool"`
	Scenarios     ScenarioConfig  `yaml:"scenarios"`
	Gateway       GatewayConfig   `yaml:"gateway"`
	Session       SessionConfig   `yaml:"session"`
	Terminal      TerminalConfig  `yaml:"terminal"`
	Observability ObsConfig       `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr           string `yaml:"listen_addr"`
	Version              string `yaml:"version"`
	ReadTimeoutSeconds   int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds  int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds   int    `yaml:"idle_timeout_seconds"`
	HealthPublic         bool   `yaml:"health_public"`
	TLSCertFile          string `yaml:"tls_cert_file"`
	TLSKeyFile           string `yaml:"tls_key_file"`
	TLSClientCAFile      string `yaml:"tls_client_ca_file"`
	TLSRequireClientCert bool   `yaml:"tls_require_client_cert"`
}

// AuthConfig guards the staff routes (/v1/...).
type AuthConfig struct {
	Mode            string `yaml:"mode"`
	BearerToken     string `yaml:"bearer_token"`
	HMACSecret      string `yaml:"hmac_secret"`
	HMACSkewSeconds int    `yaml:"hmac_skew_seconds"`
	NonceTTLSeconds int    `yaml:"nonce_ttl_seconds"`
}

// IdentityConfig verifies player and admin tokens.
type IdentityConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	StateFile  string `yaml:"state_file"`
	SQLitePath string `yaml:"sqlite_path"`
}

type RuntimeConfig struct {
	CPUQuota           int64    `yaml:"cpu_quota"`
	CPUPeriod          int64    `yaml:"cpu_period"`
	MemoryBytes        int64    `yaml:"memory_bytes"`
	MemorySwapBytes    int64    `yaml:"memory_swap_bytes"`
	DNS                []string `yaml:"dns"`
	RestartPolicy      string   `yaml:"restart_policy"`
	StopTimeoutSeconds int      `yaml:"stop_timeout_seconds"`
	SupervisordConf    string   `yaml:"supervisord_conf"`
	FirewallCheck      bool     `yaml:"firewall_check"`
}

type PoolConfig struct {
	PortStart       int    `yaml:"port_start"`
	PortEnd         int    `yaml:"port_end"`
	SubnetCIDR      string `yaml:"subnet_cidr"`
	SubnetPrefixLen int    `yaml:"subnet_prefix_len"`
}

type ScenarioConfig struct {
	Dir string `yaml:"dir"`
}

type GatewayConfig struct {
	Image                 string `yaml:"image"`
	ConfigRoot            string `yaml:"config_root"`
	InitScriptDir         string `yaml:"init_script_dir"`
	InternalSubnet        string `yaml:"internal_subnet"`
	HostOctet             int    `yaml:"host_octet"`
	PUID                  int    `yaml:"puid"`
	PGID                  int    `yaml:"pgid"`
	HealthAttempts        int    `yaml:"health_attempts"`
	HealthIntervalSeconds int    `yaml:"health_interval_seconds"`
}

type SessionConfig struct {
	MaxLifetimeMinutes      int    `yaml:"max_lifetime_minutes"`
	ServerID                string `yaml:"server_id"`
	CleanupOnFailure        bool   `yaml:"cleanup_on_failure"`
	ExpireIntervalSeconds   int    `yaml:"expire_interval_seconds"`
	CleanupOnShutdown       bool   `yaml:"cleanup_on_shutdown"`
	PoolReadyTimeoutSeconds int    `yaml:"pool_ready_timeout_seconds"`
}

type TerminalConfig struct {
	Shell string `yaml:"shell"`
	TTY   bool   `yaml:"tty"`
}

type ObsConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	MetricsPath   string `yaml:"metrics_path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":1337",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 120,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		Auth: AuthConfig{
			Mode:            "either",
			HMACSkewSeconds: 300,
			NonceTTLSeconds: 360,
		},
		Identity: IdentityConfig{
			Issuer: "battle-agent",
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   100,
			GlobalBurst: 200,
			PerIPRPS:    20,
			PerIPBurst:  40,
		},
		Storage: StorageConfig{
			Driver:     "file",
			StateFile:  "/var/lib/battle-agent/state.json",
			SQLitePath: "/var/lib/battle-agent/battle-agent.db",
		},
		Runtime: RuntimeConfig{
			CPUQuota:           20_000,
			CPUPeriod:          100_000,
			MemoryBytes:        4 << 30,
			MemorySwapBytes:    8 << 30,
			DNS:                []string{"1.0.0.1", "1.1.1.1"},
			RestartPolicy:      "unless-stopped",
			StopTimeoutSeconds: 10,
			FirewallCheck:      true,
		},
		Pool: PoolConfig{
			PortStart:       51820,
			PortEnd:         51919,
			SubnetCIDR:      "172.12.0.0/16",
			SubnetPrefixLen: 24,
		},
		Scenarios: ScenarioConfig{Dir: "/var/lib/battle-agent/dockerfiles"},
		Gateway: GatewayConfig{
			Image:                 "lscr.io/linuxserver/wireguard:latest",
			ConfigRoot:            "/var/lib/battle-agent/wg-configs",
			InitScriptDir:         "/var/lib/battle-agent/server-init-script",
			InternalSubnet:        "10.12.0.0/24",
			HostOctet:             200,
			PUID:                  1000,
			PGID:                  1000,
			HealthAttempts:        30,
			HealthIntervalSeconds: 1,
		},
		Session: SessionConfig{
			MaxLifetimeMinutes:      240,
			ExpireIntervalSeconds:   30,
			CleanupOnShutdown:       true,
			PoolReadyTimeoutSeconds: 30,
		},
		Terminal:      TerminalConfig{Shell: "/bin/bash", TTY: true},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics", LogMaxSizeMB: 50, LogMaxBackups: 5, LogMaxAgeDays: 14},
	}
}

// Load builds the effective config: defaults, then the optional YAML file,
// then an optional .env file, then environment overrides.
func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("BATTLE_AGENT_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	if err := loadDotEnv(os.Getenv("BATTLE_AGENT_ENV_FILE")); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// loadDotEnv never overrides variables already present in the process env.
func loadDotEnv(file string) error {
	if file == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "BATTLE_AGENT_LISTEN_ADDR")
	setString(&cfg.Server.Version, "BATTLE_AGENT_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "BATTLE_AGENT_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "BATTLE_AGENT_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "BATTLE_AGENT_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "BATTLE_AGENT_HEALTH_PUBLIC")
	setString(&cfg.Server.TLSCertFile, "BATTLE_AGENT_TLS_CERT_FILE")
	setString(&cfg.Server.TLSKeyFile, "BATTLE_AGENT_TLS_KEY_FILE")
	setString(&cfg.Server.TLSClientCAFile, "BATTLE_AGENT_TLS_CLIENT_CA_FILE")
	setBool(&cfg.Server.TLSRequireClientCert, "BATTLE_AGENT_TLS_REQUIRE_CLIENT_CERT")

	setString(&cfg.Auth.Mode, "BATTLE_AGENT_AUTH_MODE")
	setString(&cfg.Auth.BearerToken, "BATTLE_AGENT_TOKEN")
	setString(&cfg.Auth.HMACSecret, "BATTLE_AGENT_HMAC_SECRET")
	setInt(&cfg.Auth.HMACSkewSeconds, "BATTLE_AGENT_HMAC_SKEW_SECONDS")
	setInt(&cfg.Auth.NonceTTLSeconds, "BATTLE_AGENT_NONCE_TTL_SECONDS")

	setString(&cfg.Identity.JWTSecret, "BATTLE_AGENT_JWT_SECRET")
	setString(&cfg.Identity.Issuer, "BATTLE_AGENT_JWT_ISSUER")
	setString(&cfg.Identity.Audience, "BATTLE_AGENT_JWT_AUDIENCE")

	setBool(&cfg.RateLimit.Enabled, "BATTLE_AGENT_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "BATTLE_AGENT_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "BATTLE_AGENT_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "BATTLE_AGENT_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "BATTLE_AGENT_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Storage.Driver, "BATTLE_AGENT_STORAGE_DRIVER")
	setString(&cfg.Storage.StateFile, "BATTLE_AGENT_STATE_FILE")
	setString(&cfg.Storage.SQLitePath, "BATTLE_AGENT_SQLITE_PATH")

	setInt64(&cfg.Runtime.CPUQuota, "CONTAINER_CPU_QUOTA")
	setInt64(&cfg.Runtime.CPUPeriod, "CONTAINER_CPU_PERIOD")
	setInt64(&cfg.Runtime.MemoryBytes, "CONTAINER_MEMORY_BYTES")
	setInt64(&cfg.Runtime.MemorySwapBytes, "CONTAINER_MEMORY_SWAP_BYTES")
	setCSV(&cfg.Runtime.DNS, "CONTAINER_DNS")
	setString(&cfg.Runtime.RestartPolicy, "CONTAINER_RESTART_POLICY")
	setInt(&cfg.Runtime.StopTimeoutSeconds, "CONTAINER_STOP_TIMEOUT_SECONDS")
	setString(&cfg.Runtime.SupervisordConf, "BATTLE_AGENT_SUPERVISORD_CONF")
	setBool(&cfg.Runtime.FirewallCheck, "BATTLE_AGENT_FIREWALL_CHECK")

	setInt(&cfg.Pool.PortStart, "BATTLE_AGENT_WG_PORT_START")
	setInt(&cfg.Pool.PortEnd, "BATTLE_AGENT_WG_PORT_END")
	setString(&cfg.Pool.SubnetCIDR, "BATTLE_AGENT_SUBNET_CIDR")
	setInt(&cfg.Pool.SubnetPrefixLen, "BATTLE_AGENT_SUBNET_PREFIX_LEN")

	setString(&cfg.Scenarios.Dir, "BATTLE_AGENT_SCENARIOS_DIR")

	setString(&cfg.Gateway.Image, "BATTLE_AGENT_GATEWAY_IMAGE")
	setString(&cfg.Gateway.ConfigRoot, "BATTLE_AGENT_WG_CONFIG_ROOT")
	setString(&cfg.Gateway.InitScriptDir, "BATTLE_AGENT_WG_INIT_SCRIPT_DIR")
	setString(&cfg.Gateway.InternalSubnet, "BATTLE_AGENT_WG_INTERNAL_SUBNET")
	setInt(&cfg.Gateway.HostOctet, "BATTLE_AGENT_GATEWAY_HOST_OCTET")
	setInt(&cfg.Gateway.PUID, "BATTLE_AGENT_GATEWAY_PUID")
	setInt(&cfg.Gateway.PGID, "BATTLE_AGENT_GATEWAY_PGID")
	setInt(&cfg.Gateway.HealthAttempts, "BATTLE_AGENT_GATEWAY_HEALTH_ATTEMPTS")
	setInt(&cfg.Gateway.HealthIntervalSeconds, "BATTLE_AGENT_GATEWAY_HEALTH_INTERVAL_SECONDS")

	setInt(&cfg.Session.MaxLifetimeMinutes, "BATTLE_AGENT_SESSION_MAX_LIFETIME_MINUTES")
	setString(&cfg.Session.ServerID, "BATTLE_AGENT_SERVER_ID")
	setBool(&cfg.Session.CleanupOnFailure, "BATTLE_AGENT_CLEANUP_ON_FAILURE")
	setInt(&cfg.Session.ExpireIntervalSeconds, "BATTLE_AGENT_EXPIRE_INTERVAL_SECONDS")
	setBool(&cfg.Session.CleanupOnShutdown, "BATTLE_AGENT_CLEANUP_ON_SHUTDOWN")
	setInt(&cfg.Session.PoolReadyTimeoutSeconds, "BATTLE_AGENT_POOL_READY_TIMEOUT_SECONDS")

	setString(&cfg.Terminal.Shell, "BATTLE_AGENT_TERMINAL_SHELL")
	setBool(&cfg.Terminal.TTY, "BATTLE_AGENT_TERMINAL_TTY")

	setString(&cfg.Observability.LogLevel, "BATTLE_AGENT_LOG_LEVEL")
	setString(&cfg.Observability.LogFile, "BATTLE_AGENT_LOG_FILE")
	setString(&cfg.Observability.MetricsPath, "BATTLE_AGENT_METRICS_PATH")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	mode := strings.ToLower(cfg.Auth.Mode)
	switch mode {
	case "bearer", "hmac", "either":
	default:
		return fmt.Errorf("invalid auth mode: %s", cfg.Auth.Mode)
	}
	if mode == "bearer" && cfg.Auth.BearerToken == "" {
		return errors.New("BATTLE_AGENT_TOKEN is required in bearer mode")
	}
	if mode == "hmac" && cfg.Auth.HMACSecret == "" {
		return errors.New("BATTLE_AGENT_HMAC_SECRET is required in hmac mode")
	}
	if cfg.Auth.HMACSkewSeconds <= 0 {
		return errors.New("hmac skew must be > 0")
	}
	if cfg.Auth.NonceTTLSeconds < cfg.Auth.HMACSkewSeconds+60 {
		return errors.New("nonce ttl must be >= hmac skew + 60 seconds")
	}
	if cfg.Identity.JWTSecret == "" {
		return errors.New("BATTLE_AGENT_JWT_SECRET is required")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return errors.New("per-ip rate limit values must be > 0")
		}
	}
	switch cfg.Storage.Driver {
	case "file":
		if cfg.Storage.StateFile == "" {
			return errors.New("state file is required for the file driver")
		}
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return errors.New("sqlite path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Pool.PortStart <= 0 || cfg.Pool.PortEnd > 65535 || cfg.Pool.PortStart > cfg.Pool.PortEnd {
		return fmt.Errorf("invalid wireguard port range %d-%d", cfg.Pool.PortStart, cfg.Pool.PortEnd)
	}
	pool, err := netip.ParsePrefix(cfg.Pool.SubnetCIDR)
	if err != nil {
		return fmt.Errorf("parse subnet cidr: %w", err)
	}
	if !pool.Addr().Is4() || cfg.Pool.SubnetPrefixLen < pool.Bits() || cfg.Pool.SubnetPrefixLen > 29 {
		return fmt.Errorf("subnet prefix length %d does not fit %s", cfg.Pool.SubnetPrefixLen, pool)
	}
	if _, err := netip.ParsePrefix(cfg.Gateway.InternalSubnet); err != nil {
		return fmt.Errorf("parse gateway internal subnet: %w", err)
	}
	if cfg.Gateway.HostOctet <= 1 || cfg.Gateway.HostOctet >= 255 {
		return errors.New("gateway host octet must be within 2..254")
	}
	if cfg.Gateway.HealthAttempts <= 0 || cfg.Gateway.HealthIntervalSeconds <= 0 {
		return errors.New("gateway health values must be > 0")
	}
	if cfg.Gateway.ConfigRoot == "" {
		return errors.New("gateway config root is required")
	}
	if cfg.Session.MaxLifetimeMinutes < 0 {
		return errors.New("session max lifetime must be >= 0")
	}
	if cfg.Runtime.CPUPeriod <= 0 || cfg.Runtime.CPUQuota < 0 {
		return errors.New("cpu period must be > 0 and cpu quota >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setCSV(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
