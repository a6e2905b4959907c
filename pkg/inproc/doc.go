// Package inproc connects simulated agents inside one process. A relay
// goroutine fans every broadcast trigger out to the inboxes of all other
// agents; telemetry is exposed as channels for local consumers.
package inproc
