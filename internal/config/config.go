package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Conflict policies for a subscribe on a key that already has a waiter.
const (
	ConflictReplace = "replace"
	ConflictReject  = "reject"
)

// Keys shared by flags, environment variables and the config file.
const (
	KeyPort             = "port"
	KeyLogLevel         = "log-level"
	KeyLogFormat        = "log-format"
	KeySubscribeTimeout = "subscribe-timeout"
	KeyOnConflict       = "on-conflict"
	KeyRateLimitRPS     = "rate-limit-rps"
	KeyRateLimitBurst   = "rate-limit-burst"
	KeyMaintenanceFlag  = "maintenance-flag"
	KeyMetrics          = "metrics"
	KeyShutdownTimeout  = "shutdown-timeout"
	KeyTrustedProxies   = "trusted-proxies"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// Config aggregates runtime settings for the broker server.
type Config struct {
	HTTPPort         string
	LogLevel         string
	LogFormat        string
	SubscribeTimeout time.Duration
	OnConflict       string
	RateLimitRPS     float64
	RateLimitBurst   int
	MaintenanceFlag  string
	Metrics          bool
	ShutdownTimeout  time.Duration
	TrustedProxies   []string
}

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, "8888")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "structured")
	v.SetDefault(KeySubscribeTimeout, time.Duration(0))
	v.SetDefault(KeyOnConflict, ConflictReplace)
	v.SetDefault(KeyRateLimitRPS, 0.0)
	v.SetDefault(KeyRateLimitBurst, 10)
	v.SetDefault(KeyMaintenanceFlag, "")
	v.SetDefault(KeyMetrics, true)
	v.SetDefault(KeyShutdownTimeout, 10*time.Second)
	v.SetDefault(KeyTrustedProxies, []string{})
}

// Load reads and validates a Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPPort:         strings.TrimSpace(v.GetString(KeyPort)),
		LogLevel:         strings.TrimSpace(v.GetString(KeyLogLevel)),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		SubscribeTimeout: v.GetDuration(KeySubscribeTimeout),
		OnConflict:       strings.ToLower(strings.TrimSpace(v.GetString(KeyOnConflict))),
		RateLimitRPS:     v.GetFloat64(KeyRateLimitRPS),
		RateLimitBurst:   v.GetInt(KeyRateLimitBurst),
		MaintenanceFlag:  strings.TrimSpace(v.GetString(KeyMaintenanceFlag)),
		Metrics:          v.GetBool(KeyMetrics),
		ShutdownTimeout:  v.GetDuration(KeyShutdownTimeout),
		TrustedProxies:   splitList(v.GetStringSlice(KeyTrustedProxies)),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalid, KeyPort)
	}
	switch c.OnConflict {
	case ConflictReplace, ConflictReject:
	default:
		return fmt.Errorf("%w: %s must be %q or %q, got %q", ErrInvalid, KeyOnConflict, ConflictReplace, ConflictReject, c.OnConflict)
	}
	if c.SubscribeTimeout < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeySubscribeTimeout)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyRateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("%w: %s must be at least 1 when rate limiting is enabled", ErrInvalid, KeyRateLimitBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyShutdownTimeout)
	}
	for _, proxy := range c.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("%w: %s entry %q is neither an IP nor a CIDR", ErrInvalid, KeyTrustedProxies, proxy)
		}
	}
	return nil
}

// splitList flattens comma separated entries, as they arrive from the
// environment, and drops blanks.
func splitList(values []string) []string {
	out := []string{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.HTTPPort
}
