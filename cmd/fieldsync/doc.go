// Command fieldsync is the operator CLI for the fieldsync daemon. It talks to
// the daemon's local HTTP API to inspect the queue, trigger sync passes, and
// manage configuration.
package main
