package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/silo-warden/internal/api/http"
	"github.com/EternisAI/silo-warden/internal/auth"
	"github.com/EternisAI/silo-warden/internal/credsync"
	"github.com/EternisAI/silo-warden/internal/engine"
	"github.com/EternisAI/silo-warden/internal/notify"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Http     http.Config    `mapstructure:"http"`
	Grpc     GrpcConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Nats     NatsConfig     `mapstructure:"nats"`
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth string `mapstructure:"client_auth"`

	// AutoGenerate issues a local CA and server certificate when the files are missing.
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CAKeyFile    string   `mapstructure:"ca_key_file"`
	DNSNames     []string `mapstructure:"dns_names"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url" json:"-"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type AuthConfig struct {
	AdminUsername     string        `mapstructure:"admin_username"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash" json:"-"`
	JWTSecret         string        `mapstructure:"jwt_secret" json:"-"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
}

type PortRange struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

type TunnelConfig struct {
	BasePort       int           `mapstructure:"base_port"`
	PortRange      PortRange     `mapstructure:"port_range"`
	ConntrackPath  string        `mapstructure:"conntrack_path"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type EngineConfig struct {
	DiscoveryInterval  time.Duration `mapstructure:"discovery_interval"`
	EnforceInterval    time.Duration `mapstructure:"enforce_interval"`
	BandwidthInterval  time.Duration `mapstructure:"bandwidth_interval"`
	SyncRetryInterval  time.Duration `mapstructure:"sync_retry_interval"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	CloseAfterMisses   int           `mapstructure:"close_after_misses"`
	StaleTimeout       time.Duration `mapstructure:"stale_timeout"`
	ViolationWindow    time.Duration `mapstructure:"violation_window"`
	ViolationThreshold int           `mapstructure:"violation_threshold"`
	ViolationCooldown  time.Duration `mapstructure:"violation_cooldown"`
	FingerprintBucket  time.Duration `mapstructure:"fingerprint_bucket"`
	IdentityCacheTTL   time.Duration `mapstructure:"identity_cache_ttl"`
	BandwidthWarnRatio float64       `mapstructure:"bandwidth_warn_ratio"`
}

type SyncConfig struct {
	ConfigFile    string        `mapstructure:"config_file"`
	ReloadCommand string        `mapstructure:"reload_command"`
	Timeout       time.Duration `mapstructure:"timeout"`
	DegradedAfter int           `mapstructure:"degraded_after"`
}

type NatsConfig struct {
	URL           string `mapstructure:"url" json:"-"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

var config Config

func setDefaults(v *viper.Viper) {
	d := engine.DefaultConfig()

	v.SetDefault("log.level", LOG_LEVEL_INFO)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.admin_api_key", "")
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("grpc.tls.client_auth", "none")
	v.SetDefault("grpc.tls.enabled", false)
	v.SetDefault("grpc.tls.cert_file", "")
	v.SetDefault("grpc.tls.key_file", "")
	v.SetDefault("grpc.tls.ca_file", "")
	v.SetDefault("grpc.tls.auto_generate", false)
	v.SetDefault("grpc.tls.ca_key_file", "")
	v.SetDefault("grpc.tls.dns_names", []string{"localhost"})
	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("auth.admin_username", "")
	v.SetDefault("auth.admin_password_hash", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)

	v.SetDefault("tunnel.base_port", d.BasePort)
	v.SetDefault("tunnel.port_range.start", 6000)
	v.SetDefault("tunnel.port_range.end", 19999)
	v.SetDefault("tunnel.conntrack_path", "conntrack")
	v.SetDefault("tunnel.command_timeout", 10*time.Second)

	v.SetDefault("engine.discovery_interval", d.DiscoveryInterval)
	v.SetDefault("engine.enforce_interval", d.EnforceInterval)
	v.SetDefault("engine.bandwidth_interval", d.BandwidthInterval)
	v.SetDefault("engine.sync_retry_interval", d.SyncRetryInterval)
	v.SetDefault("engine.health_interval", 10*time.Second)
	v.SetDefault("engine.close_after_misses", d.CloseAfterMisses)
	v.SetDefault("engine.stale_timeout", d.StaleTimeout)
	v.SetDefault("engine.violation_window", d.ViolationWindow)
	v.SetDefault("engine.violation_threshold", d.ViolationThreshold)
	v.SetDefault("engine.violation_cooldown", d.ViolationCooldown)
	v.SetDefault("engine.fingerprint_bucket", d.FingerprintBucket)
	v.SetDefault("engine.identity_cache_ttl", d.IdentityCacheTTL)
	v.SetDefault("engine.bandwidth_warn_ratio", d.BandwidthWarnRatio)

	v.SetDefault("sync.config_file", "/etc/zivpn/config.json")
	v.SetDefault("sync.reload_command", credsync.DefaultReloadCommand)
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("sync.degraded_after", credsync.DefaultDegradedAfter)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "WARDEN_EVENTS")
	v.SetDefault("nats.subject_prefix", notify.DefaultSubjectPrefix)
}

// loadConfig reads application.yml when present; defaults and environment
// variables cover a missing file.
func loadConfig(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetConfigName("application")
	v.AddConfigPath(".")
	v.AddConfigPath("./cmd/silo-warden")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func InitConfig() {
	_ = godotenv.Load()

	var err error
	config, err = loadConfig(viper.GetViper())
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		BasePort:           c.Tunnel.BasePort,
		DiscoveryInterval:  c.Engine.DiscoveryInterval,
		EnforceInterval:    c.Engine.EnforceInterval,
		BandwidthInterval:  c.Engine.BandwidthInterval,
		SyncRetryInterval:  c.Engine.SyncRetryInterval,
		CloseAfterMisses:   c.Engine.CloseAfterMisses,
		StaleTimeout:       c.Engine.StaleTimeout,
		ViolationWindow:    c.Engine.ViolationWindow,
		ViolationThreshold: c.Engine.ViolationThreshold,
		ViolationCooldown:  c.Engine.ViolationCooldown,
		FingerprintBucket:  c.Engine.FingerprintBucket,
		IdentityCacheTTL:   c.Engine.IdentityCacheTTL,
		BandwidthWarnRatio: c.Engine.BandwidthWarnRatio,
	}
}

func (c Config) syncConfig() credsync.Config {
	return credsync.Config{
		ConfigFile:    c.Sync.ConfigFile,
		ReloadCommand: c.Sync.ReloadCommand,
		Timeout:       c.Sync.Timeout,
		DegradedAfter: c.Sync.DegradedAfter,
	}
}
