package config

import (
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDevice(); err != nil {
		return err
	}
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDevice() error {
	if c.Device.ID == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/fieldsync/config.toml"
		}
		return fmt.Errorf("device.id is required; edit %s (create with 'fieldsync config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateBackend() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	parsed, err := url.Parse(c.Backend.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("backend.url %q is not a valid URL", c.Backend.URL)
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "sqlite", "pebble":
		return nil
	default:
		return fmt.Errorf("storage.backend %q is not supported (use sqlite or pebble)", c.Storage.Backend)
	}
}

func (c *Config) validateSync() error {
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.Sync.BackoffBaseMS <= 0 || c.Sync.BackoffCapMS < c.Sync.BackoffBaseMS {
		return fmt.Errorf("sync backoff bounds are invalid: base=%dms cap=%dms", c.Sync.BackoffBaseMS, c.Sync.BackoffCapMS)
	}
	if c.Sync.BackoffMultiplier < 1 {
		return fmt.Errorf("sync.backoff_multiplier must be >= 1")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	return nil
}
