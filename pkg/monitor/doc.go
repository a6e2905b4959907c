// Package monitor is the headless telemetry consumer. It listens on the
// tick and diff telemetry ports, keeps a registry of the agents it hears
// from, evicts agents that go silent, and periodically logs how far apart
// their phases are. An optional HTTP server exposes the registry and a
// websocket feed of every event.
package monitor
