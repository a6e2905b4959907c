// Package config holds clocksync configuration: defaults, YAML loading and
// validation.
package config
