package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEndpoint             = "partners.dnaspaces.io:443"
	DefaultMethod               = "/proto.Firehose/GetEvents"
	DefaultAPIKeyHeader         = "x-api-key"
	DefaultMaxRetries           = 3
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 10 * time.Second

	envPrefix = "FIREHOSE"
)

// SecurityMode selects the transport the channel is built on.
type SecurityMode string

const (
	// SecurityTLS validates the server against the trust anchor file, or the
	// system roots when no trust anchor is configured.
	SecurityTLS SecurityMode = "tls"
	// SecurityInsecure sends everything, credential included, in plaintext.
	// Not for production use.
	SecurityInsecure SecurityMode = "insecure"
)

type ClientConfig struct {
	Endpoint             string        `mapstructure:"endpoint" yaml:"endpoint"`
	Method               string        `mapstructure:"method" yaml:"method"`
	APIKeyHeader         string        `mapstructure:"api-key-header" yaml:"api-key-header"`
	APIKey               string        `mapstructure:"api-key" yaml:"api-key"`
	TransportSecurity    SecurityMode  `mapstructure:"transport-security" yaml:"transport-security"`
	TrustAnchorPath      string        `mapstructure:"trust-anchor" yaml:"trust-anchor"`
	ServerName           string        `mapstructure:"server-name" yaml:"server-name"`
	MaxRetries           int           `mapstructure:"max-retries" yaml:"max-retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry-initial-interval" yaml:"retry-initial-interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry-max-interval" yaml:"retry-max-interval"`
	OutputFormat         string        `mapstructure:"output-format" yaml:"output-format"`
	DescriptorSetPath    string        `mapstructure:"descriptor-set" yaml:"descriptor-set"`
	RecordType           string        `mapstructure:"record-type" yaml:"record-type"`
	LogLevel             string        `mapstructure:"log-level" yaml:"log-level"`
	LogFormat            string        `mapstructure:"log-format" yaml:"log-format"`
	ConfigPath           string        `mapstructure:"-"` // not from config file
}

// RegisterFlags declares every config key on the flag set. Flag values win
// over the config file and the environment.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("endpoint", DefaultEndpoint, "firehose host:port")
	flags.String("method", DefaultMethod, "full gRPC method path of the events stream")
	flags.String("api-key-header", DefaultAPIKeyHeader, "request header carrying the API key")
	flags.String("api-key", "", "API key (prompted for when empty)")
	flags.String("transport-security", string(SecurityTLS), "transport security mode: tls or insecure (insecure is unsafe for production)")
	flags.String("trust-anchor", "", "PEM file with the CA certificate used to verify the server (default: system roots)")
	flags.String("server-name", "", "override the TLS server name")
	flags.Int("max-retries", DefaultMaxRetries, "retries for transient transport failures, 0 disables")
	flags.Duration("retry-initial-interval", DefaultRetryInitialInterval, "first retry backoff")
	flags.Duration("retry-max-interval", DefaultRetryMaxInterval, "retry backoff ceiling")
	flags.String("output-format", "raw", "record rendering: raw, json, text or yaml")
	flags.String("descriptor-set", "", "serialized FileDescriptorSet describing the record type")
	flags.String("record-type", "", "fully qualified record message name inside the descriptor set")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
}

// Load merges defaults, the optional config file, FIREHOSE_* environment
// variables and the parsed flags, in increasing order of precedence.
func Load(configPath string, flags *pflag.FlagSet) (ClientConfig, error) {
	var cfg ClientConfig

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return cfg, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		// An explicit path must exist: its settings are never silently dropped.
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	return cfg, nil
}

// Field validation and Path sanitizing
func ValidateFields(cfg map[string]*string) error {
	var homeDir string

	for key, value := range cfg {
		if *value == "" {
			return fmt.Errorf("%s is required", key)
		}

		// Only expand paths for keys containing "PATH" or "path"
		if strings.Contains(key, "PATH") || strings.Contains(key, "path") {
			if strings.HasPrefix(*value, "~") {
				if homeDir == "" {
					var err error
					homeDir, err = os.UserHomeDir()
					if err != nil {
						return fmt.Errorf("error finding user home directory: %w", err)
					}
				}
				*value = filepath.Join(homeDir, (*value)[1:])
			}
		}
	}
	return nil
}

func (c *ClientConfig) ValidateConfig() error {
	if err := ValidateFields(map[string]*string{
		"endpoint":       &c.Endpoint,
		"method":         &c.Method,
		"api-key-header": &c.APIKeyHeader,
	}); err != nil {
		return err
	}

	optional := map[string]*string{}
	if c.TrustAnchorPath != "" {
		optional["trust-anchor-path"] = &c.TrustAnchorPath
	}
	if c.DescriptorSetPath != "" {
		optional["descriptor-set-path"] = &c.DescriptorSetPath
	}
	if err := ValidateFields(optional); err != nil {
		return err
	}

	host, port, err := net.SplitHostPort(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if host == "" {
		return fmt.Errorf("invalid endpoint %q: missing host", c.Endpoint)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid endpoint %q: bad port", c.Endpoint)
	}

	if !strings.HasPrefix(c.Method, "/") || strings.Count(c.Method, "/") != 2 {
		return fmt.Errorf("invalid method %q: want /package.Service/Method", c.Method)
	}

	switch c.TransportSecurity {
	case SecurityTLS:
	case SecurityInsecure:
		if c.TrustAnchorPath != "" {
			return fmt.Errorf("trust-anchor is set but transport-security is %q", SecurityInsecure)
		}
	default:
		return fmt.Errorf("invalid transport-security %q: want %q or %q", c.TransportSecurity, SecurityTLS, SecurityInsecure)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid max-retries: %d", c.MaxRetries)
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("invalid retry intervals: initial %s, max %s", c.RetryInitialInterval, c.RetryMaxInterval)
	}

	switch c.OutputFormat {
	case "raw":
	case "json", "text", "yaml":
		if c.DescriptorSetPath == "" || c.RecordType == "" {
			return fmt.Errorf("output-format %q needs descriptor-set and record-type", c.OutputFormat)
		}
	default:
		return fmt.Errorf("invalid output-format %q", c.OutputFormat)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q", c.LogFormat)
	}

	return nil
}
