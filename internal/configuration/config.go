package configuration

import (
	"encoding/json"
	"os"
	"time"
)

type ReconnectConfig struct {
	BaseDelayMs int `json:"base_delay_ms"`
	CapDelayMs  int `json:"cap_delay_ms"`
	MaxAttempts int `json:"max_attempts"`
}

type ConnectionConfig struct {
	Endpoint          string          `json:"endpoint"`
	HeartbeatSeconds  int             `json:"heartbeat_seconds"`
	AckTimeoutSeconds int             `json:"ack_timeout_seconds"`
	Reconnect         ReconnectConfig `json:"reconnect"`
}

type AuthConfig struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

type PendingConfig struct {
	// MaxAgeMinutes > 0 enables the defensive eviction sweep for offers the
	// server never resolves. 0 disables it.
	MaxAgeMinutes int `json:"max_age_minutes"`
}

type Config struct {
	Connection ConnectionConfig `json:"connection"`
	Auth       AuthConfig       `json:"auth"`
	Pending    PendingConfig    `json:"pending"`
}

func LoadConfig(config_path string) (*Config, error) {
	file, err := os.ReadFile(config_path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = json.Unmarshal(file, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *ConnectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c *ConnectionConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}

func (c *ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

func (c *ReconnectConfig) CapDelay() time.Duration {
	return time.Duration(c.CapDelayMs) * time.Millisecond
}

func (c *PendingConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}
