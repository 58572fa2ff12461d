package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Root     string              `mapstructure:"root"` // project root; default cwd
	Upstream UpstreamConfig      `mapstructure:"upstream"`
	Profiles []llm.ProfileConfig `mapstructure:"profiles"`
	ToolHost ToolHostConfig      `mapstructure:"tool_host"`
	Tools    ToolsConfig         `mapstructure:"tools"`
	Database DatabaseConfig      `mapstructure:"database"`
	Log      LogConfig           `mapstructure:"log"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// UpstreamConfig selects defaults across profiles.
type UpstreamConfig struct {
	DefaultKind string `mapstructure:"default_kind"`
	MaxTurns    int    `mapstructure:"max_turns"`
}

// ToolHostConfig configures the MCP tool host child.
type ToolHostConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Bin     string   `mapstructure:"bin"`
	Args    []string `mapstructure:"args"`
}

// ToolsConfig drives the tool safety policy.
type ToolsConfig struct {
	TrustedTools           []string `mapstructure:"trusted_tools"`
	DangerousTools         []string `mapstructure:"dangerous_tools"`
	TrustedCommandPrefixes []string `mapstructure:"trusted_command_prefixes"`
}

// DatabaseConfig is the session index DSN.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file (optional) with env
// overrides prefixed ECLIA_ (ECLIA_SERVER_PORT etc).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.mode", "release")
	v.SetDefault("upstream.default_kind", llm.KindOpenAICompatible)
	v.SetDefault("upstream.max_turns", 24)
	v.SetDefault("tool_host.enabled", true)
	v.SetDefault("tool_host.bin", "")
	v.SetDefault("tools.dangerous_tools", []string{"exec"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("ECLIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve root: %w", err)
		}
		cfg.Root = cwd
	}
	cfg.Root, _ = filepath.Abs(cfg.Root)

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.Root, ".eclia", "sessions.db")
	}
	if cfg.ToolHost.Bin == "" {
		// The toolhost binary ships next to the gateway binary.
		exe, err := os.Executable()
		if err == nil {
			cfg.ToolHost.Bin = filepath.Join(filepath.Dir(exe), "toolhost")
		} else {
			cfg.ToolHost.Bin = "toolhost"
		}
	}
	return &cfg, nil
}
