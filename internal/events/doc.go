// Package events provides a synchronous in-process bus for queue lifecycle
// events. Subscribers (UI badges, dashboards, tests) receive every published
// event in order; a panicking subscriber is recovered and logged so it can
// never interrupt queue processing.
package events
