// Package logging builds the slog loggers used across fieldsync and provides
// attribute helpers so call sites share consistent field names.
package logging
