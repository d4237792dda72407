package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBindings maps viper keys to their environment variables, in priority order.
var envBindings = map[string][]string{
	"host":           {"QUEUE_HOST", "REDIS_HOST"},
	"port":           {"QUEUE_PORT", "REDIS_PORT"},
	"auth":           {"QUEUE_AUTH", "REDIS_AUTH"},
	"prefix":         {"QUEUE_PREFIX", "REDIS_PREFIX"},
	"db":             {"QUEUE_DB"},
	"attempts":       {"QUEUE_ATTEMPTS"},
	"retry":          {"QUEUE_RETRY"},
	"listen":         {"QUEUE_LISTEN"},
	"server_port":    {"QUEUE_SERVER_PORT"},
	"handler_driver": {"QUEUE_HANDLER_DRIVER"},
	"mysql_dsn":      {"QUEUE_MYSQL_DSN"},
	"log_table":      {"QUEUE_LOG_TABLE"},
	"http_addr":      {"QUEUE_HTTP_ADDR"},
	"log_level":      {"QUEUE_LOG_LEVEL"},
	"log_format":     {"QUEUE_LOG_FORMAT"},
}

// NewViper returns a viper instance bound to the QUEUE_* variables, with the
// REDIS_* variables as fallback for the connection address and credentials.
// Callers may bind command-line flags to the same keys.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("QUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for key, envs := range envBindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	return v
}

// FromEnv overlays the QUEUE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	Apply(cfg, NewViper())
}

// Apply overlays every key explicitly set in v onto cfg. Connection settings
// apply to the default connection; malformed numbers are ignored.
func Apply(cfg *Config, v *viper.Viper) {
	if cfg.Connections == nil {
		cfg.Connections = map[string]Connection{}
	}
	name := cfg.Default
	if name == "" {
		name = "default"
		cfg.Default = name
	}
	conn, ok := cfg.Connections[name]
	if !ok {
		conn = DefaultConnection()
	}

	setString(v, "host", &conn.Host)
	setInt(v, "port", &conn.Port)
	setString(v, "auth", &conn.Auth)
	setString(v, "prefix", &conn.Prefix)
	setInt(v, "db", &conn.Database)
	setInt(v, "attempts", &conn.MaxAttempts)
	setInt(v, "retry", &conn.RetrySeconds)
	cfg.Connections[name] = conn

	if v.IsSet("listen") {
		setString(v, "listen", &cfg.Listen)
	} else if p := lookup(v, "server_port"); p != "" {
		cfg.Listen = "127.0.0.1:" + p
	}
	setString(v, "handler_driver", &cfg.HandlerDriver)
	setString(v, "mysql_dsn", &cfg.MySQLDSN)
	setString(v, "log_table", &cfg.LogTable)
	setString(v, "http_addr", &cfg.HTTPAddr)
	setString(v, "log_level", &cfg.LogLevel)
	setString(v, "log_format", &cfg.LogFormat)
}

// lookup returns the value of key only when it was set explicitly; unchanged
// flag defaults read as empty.
func lookup(v *viper.Viper, key string) string {
	if !v.IsSet(key) {
		return ""
	}
	return v.GetString(key)
}

func setString(v *viper.Viper, key string, dst *string) {
	if s := lookup(v, key); s != "" {
		*dst = s
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	s := lookup(v, key)
	if s == "" {
		return
	}
	if n, err := strconv.Atoi(s); err == nil {
		*dst = n
	}
}
