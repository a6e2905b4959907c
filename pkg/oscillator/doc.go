// Package oscillator implements the per-agent clock loop: fire a rising
// edge, publish it, fold in the peer ticks received since the previous edge
// and shift the next edge toward the group's mean phase.
package oscillator
