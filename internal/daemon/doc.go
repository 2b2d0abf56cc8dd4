// Package daemon runs the background sync loop. It enforces single-instance
// execution with a file lock, drives the queue manager on a poll interval,
// watches for lost authentication, and exposes a local HTTP API for the CLI.
package daemon
