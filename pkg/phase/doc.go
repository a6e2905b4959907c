// Package phase holds the pure math of the synchronization loop: the circular
// phase difference between a local rising edge and peer ticks, and the damped
// correction applied to the next sleep interval.
package phase
