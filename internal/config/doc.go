// Package config loads and validates the fieldsync TOML configuration.
package config
