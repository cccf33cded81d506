// Package config holds the bridge settings. Loading and saving them is
// an external collaborator's job; the core only validates at startup
// and hands updated values back through a Store.
package config

import "fmt"

// DefaultPort is the conventional data port for the bridge.
const DefaultPort = 5555

// ServerConfig is supplied to the server at startup.
type ServerConfig struct {
	ServerName      string `json:"server_name"`
	Port            int    `json:"port"`
	UseTLS          bool   `json:"use_tls"`
	CertFile        string `json:"cert_file,omitempty"`
	KeyFile         string `json:"key_file,omitempty"`
	EnableDiscovery bool   `json:"enable_discovery"`
	LastDeviceID    string `json:"last_device_id,omitempty"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ServerName:      "USB-Share-Server",
		Port:            DefaultPort,
		EnableDiscovery: true,
	}
}

// Validate reports structurally invalid settings. These are the only
// fatal, non-retried conditions besides an explicit stop, and they are
// reported before any session begins.
func (c ServerConfig) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server name must not be empty")
	}
	// Port 0 binds an OS-chosen port (loopback and test runs).
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 0-65535", c.Port)
	}
	if c.UseTLS && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("tls enabled but certificate or key file not set")
	}
	return nil
}

// ClientConfig is supplied to the client session at startup.
type ClientConfig struct {
	Address       string `json:"address"`
	Port          int    `json:"port"`
	DeviceID      string `json:"device_id,omitempty"`
	AutoReconnect bool   `json:"auto_reconnect"`
	UseTLS        bool   `json:"use_tls"`
	AutoDiscover  bool   `json:"auto_discover"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Port:          DefaultPort,
		AutoReconnect: true,
		AutoDiscover:  true,
	}
}

func (c ClientConfig) Validate() error {
	if c.Address == "" && !c.AutoDiscover {
		return fmt.Errorf("server address must be set when auto-discover is off")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	return nil
}

// Addr returns the dial target.
func (c ClientConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// ServerStore persists server settings. Implemented outside the core.
type ServerStore interface {
	Load() (ServerConfig, error)
	Save(ServerConfig) error
}

// ClientStore persists client settings. Implemented outside the core.
type ClientStore interface {
	Load() (ClientConfig, error)
	Save(ClientConfig) error
}
