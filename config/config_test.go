package config

import "testing"

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr bool
	}{
		{"defaults", func(c *ServerConfig) {}, false},
		{"empty name", func(c *ServerConfig) { c.ServerName = "" }, true},
		{"ephemeral port", func(c *ServerConfig) { c.Port = 0 }, false},
		{"negative port", func(c *ServerConfig) { c.Port = -1 }, true},
		{"port too high", func(c *ServerConfig) { c.Port = 70000 }, true},
		{"tls without cert", func(c *ServerConfig) { c.UseTLS = true }, true},
		{"tls with cert", func(c *ServerConfig) {
			c.UseTLS = true
			c.CertFile = "server.crt"
			c.KeyFile = "server.key"
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
		})
	}
}

func TestClientConfigValidate(t *testing.T) {
	cfg := DefaultClientConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config valid (auto-discover on), got %v", err)
	}

	cfg.AutoDiscover = false
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error with no address and auto-discover off")
	}

	cfg.Address = "192.168.1.50"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config with address set, got %v", err)
	}

	cfg.Port = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for negative port")
	}
}

func TestClientAddr(t *testing.T) {
	cfg := ClientConfig{Address: "10.0.0.2", Port: 5555}
	if got := cfg.Addr(); got != "10.0.0.2:5555" {
		t.Errorf("Expected 10.0.0.2:5555, got %s", got)
	}
}
