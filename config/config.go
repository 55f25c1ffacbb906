package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bagaking/claude-balancer/balancer"
)

// 默认值
const (
	DefaultPath         = "config/endpoints.yaml"
	DefaultListenAddr   = ":3000"
	DefaultTimeout      = 60 * time.Second
	DefaultVersion      = "2023-06-01"
	DefaultMaxBodyBytes = 10 << 20
)

// envVarPattern 匹配 ${VAR} 与 ${VAR:-default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config 配置文件结构
type Config struct {
	Listen            string              `yaml:"listen"`
	Timeout           time.Duration       `yaml:"timeout"`
	StreamIdleTimeout time.Duration       `yaml:"stream_idle_timeout"`
	DefaultVersion    string              `yaml:"default_version"`
	MaxBodyBytes      int64               `yaml:"max_body_bytes"`
	Log               LogConfig           `yaml:"log"`
	Endpoints         []balancer.Endpoint `yaml:"endpoints"`
}

// Default 返回填充默认值的配置（不含端点）
func Default() *Config {
	return &Config{
		Listen:         DefaultListenAddr,
		Timeout:        DefaultTimeout,
		DefaultVersion: DefaultVersion,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	f, err := os.Open(absPath) //nolint:gosec // path comes from flag/env
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	return LoadFromReader(f)
}

// LoadFromReader 从 reader 加载配置，JSON 作为 YAML 子集同样可用
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 补齐被显式置空的字段
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListenAddr
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DefaultVersion == "" {
		c.DefaultVersion = DefaultVersion
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Validate 校验配置；端点列表的完整校验由 balancer.NewRegistry 负责
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return balancer.ErrNoEndpoints
	}
	if c.StreamIdleTimeout < 0 {
		return errors.New("stream_idle_timeout must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	return nil
}

// substituteEnvVars 替换 ${VAR} / ${VAR:-default}，"$$" 转义为 "$"
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(sub[1]); ok {
			return value
		}
		if len(sub) >= 3 {
			return sub[2]
		}
		return ""
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}
