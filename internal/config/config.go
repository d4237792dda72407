package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrConnectionNotFound is returned when a connection name has no definition.
var ErrConnectionNotFound = errors.New("queue connection not found")

// Connection describes one named Redis connection hosting a set of queues.
type Connection struct {
	Scheme       string `json:"scheme"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Auth         string `json:"auth"`
	Database     int    `json:"database"`
	Prefix       string `json:"prefix"`
	MaxAttempts  int    `json:"max_attempts"`
	RetrySeconds int    `json:"retry_seconds"`
}

// Addr returns the host:port dial address.
func (c Connection) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Config is the process-wide queue configuration.
type Config struct {
	// Default is the connection used when a caller passes an empty name.
	Default     string                `json:"default"`
	Connections map[string]Connection `json:"connections"`

	// Listen is the introspection listener address of the worker process.
	Listen string `json:"listen"`

	// HandlerDriver selects the outcome sink(s): "", "log", "mysql", "broadcast" or a comma list.
	HandlerDriver string `json:"handler_driver"`
	MySQLDSN      string `json:"mysql_dsn"`
	LogTable      string `json:"log_table"`

	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// DefaultConnection returns the built-in connection settings.
func DefaultConnection() Connection {
	return Connection{
		Scheme:       "redis",
		Host:         "127.0.0.1",
		Port:         6379,
		Database:     5,
		MaxAttempts:  5,
		RetrySeconds: 5,
	}
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Default: "default",
		Connections: map[string]Connection{
			"default": DefaultConnection(),
		},
		Listen:    "127.0.0.1:7123",
		LogTable:  "queue_log",
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Resolve maps name (or the default when empty) to its connection definition.
func (c Config) Resolve(name string) (string, Connection, error) {
	if name == "" {
		name = c.Default
	}
	conn, ok := c.Connections[name]
	if !ok {
		return name, Connection{}, fmt.Errorf("%w: %q", ErrConnectionNotFound, name)
	}
	return name, conn, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if len(c.Connections) == 0 {
		return errors.New("no queue connections configured")
	}
	if _, ok := c.Connections[c.Default]; !ok {
		return fmt.Errorf("default connection: %w: %q", ErrConnectionNotFound, c.Default)
	}
	for name, conn := range c.Connections {
		if conn.Scheme != "" && conn.Scheme != "redis" {
			return fmt.Errorf("connection %q: unsupported scheme %q", name, conn.Scheme)
		}
		if conn.Host == "" {
			return fmt.Errorf("connection %q: host is required", name)
		}
		if conn.MaxAttempts < 0 {
			return fmt.Errorf("connection %q: max_attempts must be >= 0", name)
		}
		if conn.RetrySeconds <= 0 {
			return fmt.Errorf("connection %q: retry_seconds must be > 0", name)
		}
	}
	return nil
}
