// Package testsupport provides shared helpers for package tests: disposable
// configurations rooted in per-test temp directories and pre-opened stores.
package testsupport

import (
	"path/filepath"
	"testing"

	"fieldsync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Device.ID = "test-device"
	cfg.Backend.URL = "http://127.0.0.1:0/sync"
	cfg.API.Bind = "127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithDeviceID overrides the device identifier on the test config.
func WithDeviceID(id string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Device.ID = id
	}
}

// WithBackendURL points the test config at a live backend, usually an
// httptest server.
func WithBackendURL(url string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Backend.URL = url
	}
}

// WithStorageBackend selects the storage backend on the test config.
func WithStorageBackend(backend string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Storage.Backend = backend
	}
}
