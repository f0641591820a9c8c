// Package config loads the YAML server configurations. A missing file
// yields defaults, so bare binaries run out of the box.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PlayServer holds all configuration for a play server.
type PlayServer struct {
	// Identity
	ServerID int `yaml:"server_id"`

	// Network
	BindEndpoint string `yaml:"bind_endpoint"` // mesh listen address
	TcpAddr      string `yaml:"tcp_addr"`      // client TCP, "" disables
	WsAddr       string `yaml:"ws_addr"`       // client WebSocket, "" disables
	MetricsAddr  string `yaml:"metrics_addr"`  // prometheus /metrics, "" disables

	// Protocol
	AuthenticateMsgId string        `yaml:"authenticate_msg_id"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	GracePeriod       time.Duration `yaml:"grace_period"` // reconnect window
	ResolverInterval  time.Duration `yaml:"resolver_interval"`

	// Client transport
	MaxPacketSize    int           `yaml:"max_packet_size"`
	SendQueueSize    int           `yaml:"send_queue_size"` // per-client outbox capacity
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // idle client disconnect
}

// DefaultPlayServer returns PlayServer config with sensible defaults.
func DefaultPlayServer() PlayServer {
	return PlayServer{
		ServerID:          1,
		BindEndpoint:      "127.0.0.1:16001",
		TcpAddr:           "0.0.0.0:17001",
		WsAddr:            "",
		MetricsAddr:       "",
		AuthenticateMsgId: "AuthenticateRequest",
		RequestTimeout:    30 * time.Second,
		GracePeriod:       30 * time.Second,
		ResolverInterval:  time.Second,
		MaxPacketSize:     2 * 1024 * 1024,
		SendQueueSize:     256,
		WriteTimeout:      5 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
	}
}

// LoadPlayServer loads play server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadPlayServer(path string) (PlayServer, error) {
	cfg := DefaultPlayServer()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApiServer holds all configuration for an api server.
type ApiServer struct {
	// Identity
	ServerID int `yaml:"server_id"`

	// Network
	BindEndpoint string `yaml:"bind_endpoint"` // mesh listen address
	MetricsAddr  string `yaml:"metrics_addr"`  // prometheus /metrics, "" disables

	// Dispatch
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ResolverInterval time.Duration `yaml:"resolver_interval"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// DefaultApiServer returns ApiServer config with sensible defaults.
func DefaultApiServer() ApiServer {
	return ApiServer{
		ServerID:         1,
		BindEndpoint:     "127.0.0.1:16101",
		MetricsAddr:      "",
		RequestTimeout:   30 * time.Second,
		ResolverInterval: time.Second,
		Workers:          16,
		QueueSize:        1024,
		DrainTimeout:     10 * time.Second,
	}
}

// LoadApiServer loads api server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadApiServer(path string) (ApiServer, error) {
	cfg := DefaultApiServer()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
